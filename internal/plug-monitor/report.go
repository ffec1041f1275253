/*
plug-controller - Power monitoring smart plug controller
Copyright (C) 2025, The plug-controller Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package monitor

import (
	"context"

	"github.com/DasAuto39/plug-controller/pzem"
)

// Report is the payload sent to the broker.
type Report struct {
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	Power       float64 `json:"power"`
	Energy      float64 `json:"energy"`
	Frequency   float64 `json:"frequency"`
	PowerFactor float64 `json:"pf"`
	Relay       bool    `json:"relay"`
}

func NewReport(r pzem.Reading, tripped bool) Report {
	return Report{
		Voltage:     r.Voltage,
		Current:     r.Current,
		Power:       r.Power,
		Energy:      r.Energy,
		Frequency:   r.Frequency,
		PowerFactor: r.PowerFactor,
		Relay:       tripped,
	}
}

type Sink interface {
	Publish(Report) error
	Connected() bool
}

// ReportQueue is the only link between the sampler and the sink.
type ReportQueue struct {
	reports chan Report
}

func NewReportQueue(length int) *ReportQueue {
	return &ReportQueue{reports: make(chan Report, length)}
}

// Offer never blocks. When the queue is full the new report is dropped.
func (q *ReportQueue) Offer(r Report) bool {
	select {
	case q.reports <- r:
		reportsTotal.WithLabelValues("queued").Inc()
		return true
	default:
		log.Warn("Report queue is full, dropping report")
		reportsTotal.WithLabelValues("dropped").Inc()
		return false
	}
}

func (q *ReportQueue) Len() int {
	return len(q.reports)
}

// Run forwards queued reports to sink until ctx is done. Reports taken while
// the sink is disconnected are discarded.
func (q *ReportQueue) Run(ctx context.Context, sink Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-q.reports:
			if !sink.Connected() {
				log.Debug("Sink not connected, discarding report")
				reportsTotal.WithLabelValues("discarded").Inc()
				continue
			}
			if err := sink.Publish(r); err != nil {
				log.Warn("Failed to publish report: ", err)
				reportsTotal.WithLabelValues("failed").Inc()
				continue
			}
			reportsTotal.WithLabelValues("published").Inc()
		}
	}
}

// discardSink is used when reporting is turned off.
type discardSink struct{}

func (discardSink) Publish(Report) error { return nil }
func (discardSink) Connected() bool      { return false }
