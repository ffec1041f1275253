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
	"fmt"
	"time"

	"github.com/DasAuto39/plug-controller/pzem"
	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
)

const (
	overloadEvent        = "plugOverload"
	overloadClearedEvent = "plugOverloadCleared"
)

var addEvent = eventclient.AddEvent

// Output is the controlled relay. relay.Relay implements it.
type Output interface {
	Set(energized bool) error
	Hold() error
}

type safetyState interface {
	isSafetyState()
}

type normalState struct{}

// cutoffState holds the relay off. since is when the overload was seen.
type cutoffState struct {
	since time.Time
}

func (normalState) isSafetyState() {}
func (cutoffState) isSafetyState() {}

// SafetyController latches the relay off on overload and only lets it back
// on once power is within the limit and the cooldown has run out.
type SafetyController struct {
	out      Output
	limit    float64
	cooldown time.Duration
	state    safetyState
	tripped  bool
}

func NewSafetyController(out Output, limit float64, cooldown time.Duration) *SafetyController {
	return &SafetyController{
		out:      out,
		limit:    limit,
		cooldown: cooldown,
		state:    normalState{},
	}
}

// Resume starts the controller in cutoff, used when the relay was held off
// through a sleep.
func (s *SafetyController) Resume(now time.Time) {
	s.state = cutoffState{since: now}
	s.tripped = true
}

func (s *SafetyController) Tripped() bool {
	return s.tripped
}

// Evaluate applies one reading and returns whether the cutoff is active.
// Invalid readings leave the state and the relay alone.
func (s *SafetyController) Evaluate(r pzem.Reading, now time.Time) (bool, error) {
	if !r.Valid {
		return s.tripped, nil
	}

	switch st := s.state.(type) {
	case normalState:
		if r.Power > s.limit {
			s.state = cutoffState{since: now}
			s.tripped = true
			log.Warnf("Overload: %.1fW is over the %.1fW limit, cutting power", r.Power, s.limit)
			reportSafetyEvent(overloadEvent, r, s.limit, now)
			return true, s.drive(false)
		}
		s.tripped = false
		return false, s.drive(true)

	case cutoffState:
		if r.Power <= s.limit && now.Sub(st.since) > s.cooldown {
			s.state = normalState{}
			s.tripped = false
			log.Infof("Overload cleared after %s, restoring power", now.Sub(st.since).Round(time.Millisecond))
			reportSafetyEvent(overloadClearedEvent, r, s.limit, now)
			return false, s.drive(true)
		}
		s.tripped = true
		return true, s.drive(false)
	}
	return s.tripped, fmt.Errorf("unknown safety state %T", s.state)
}

func (s *SafetyController) drive(energized bool) error {
	if err := s.out.Set(energized); err != nil {
		return fmt.Errorf("failed to set relay energized=%t: %w", energized, err)
	}
	return nil
}

func reportSafetyEvent(eventType string, r pzem.Reading, limit float64, now time.Time) {
	err := addEvent(eventclient.Event{
		Timestamp: now,
		Type:      eventType,
		Details: map[string]interface{}{
			"power":   r.Power,
			"current": r.Current,
			"voltage": r.Voltage,
			"limit":   limit,
		},
	})
	if err != nil {
		log.Debug("Failed to report event: ", err)
	}
}
