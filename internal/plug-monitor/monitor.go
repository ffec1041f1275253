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
	"sync"
	"time"

	"github.com/DasAuto39/plug-controller/pzem"
	"github.com/DasAuto39/plug-controller/retained"
)

// Status is a snapshot for the D-Bus and HTTP interfaces.
type Status struct {
	Reading     pzem.Reading `json:"reading"`
	Tripped     bool         `json:"tripped"`
	WakeReason  string       `json:"wakeReason"`
	LastChange  time.Time    `json:"lastChange"`
	QueueLength int          `json:"queueLength"`
}

// Monitor is the full wake sampling loop: acquire, protect, filter, report.
type Monitor struct {
	driver *Driver
	safety *SafetyController
	filter ChangeFilter
	queue  *ReportQueue
	idle   *IdleTracker
	state  *retained.State
	reason WakeReason

	mu      sync.Mutex
	latest  pzem.Reading
	tripped bool
}

func NewMonitor(driver *Driver, safety *SafetyController, filter ChangeFilter, queue *ReportQueue,
	idle *IdleTracker, st *retained.State, reason WakeReason) *Monitor {
	return &Monitor{
		driver:  driver,
		safety:  safety,
		filter:  filter,
		queue:   queue,
		idle:    idle,
		state:   st,
		reason:  reason,
		tripped: safety.Tripped(),
	}
}

// Tick runs one sample and returns true once the idle timeout has passed.
func (m *Monitor) Tick(now time.Time) bool {
	r := m.driver.Acquire()

	tripped, err := m.safety.Evaluate(r, now)
	if err != nil {
		log.Error(err)
	}
	observeTripped(tripped)
	m.state.RelayCutoff = tripped

	if r.Valid {
		observeReading(r)
		log.Infof("V: %.1fV | I: %.3fA | P: %.1fW | F: %.1fHz | E: %.3fkWh | PF: %.2f",
			r.Voltage, r.Current, r.Power, r.Frequency, r.Energy, r.PowerFactor)

		if m.filter.ShouldReport(r, m.state.LastReported, m.state.HasReported) {
			m.queue.Offer(NewReport(r, tripped))
			m.state.CommitReport(r)
			m.idle.Touch(now)
		}
	}

	m.mu.Lock()
	if r.Valid {
		m.latest = r
	}
	m.tripped = tripped
	m.mu.Unlock()

	return m.idle.Expired(now)
}

// Loop ticks on every value from ticks and returns nil once the device has
// been idle for long enough, or ctx.Err() if ctx is done first.
func (m *Monitor) Loop(ctx context.Context, ticks <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticks:
			if m.Tick(now) {
				log.Infof("No changes since %s, going to sleep", m.idle.LastChange().Format(time.TimeOnly))
				return nil
			}
		}
	}
}

func (m *Monitor) StayAwakeFor(d time.Duration) {
	log.Infof("Staying awake for %s", d)
	m.idle.StayAwakeUntil(time.Now().Add(d))
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Reading:     m.latest,
		Tripped:     m.tripped,
		WakeReason:  m.reason.String(),
		LastChange:  m.idle.LastChange(),
		QueueLength: m.queue.Len(),
	}
}
