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
	"math"
	"sync"
	"time"

	"github.com/DasAuto39/plug-controller/pzem"
	"github.com/DasAuto39/plug-controller/retained"
)

type WakeReason int

const (
	// QuickSleep means nothing needs the device awake.
	QuickSleep WakeReason = iota
	PeriodicForce
	NeverRun
	DataChanged
)

func (w WakeReason) String() string {
	switch w {
	case QuickSleep:
		return "quickSleep"
	case PeriodicForce:
		return "periodicForce"
	case NeverRun:
		return "neverRun"
	case DataChanged:
		return "dataChanged"
	}
	return "unknown"
}

type SleepDecision struct {
	FullWake bool
	Reason   WakeReason
}

// DecideWake is run once per boot. It advances st.WakeCount, resetting it
// when the periodic full wake is due, and decides if this wake needs the
// full sampling loop. An invalid boot reading is never compared.
func DecideWake(boot pzem.Reading, st *retained.State, threshold int, powerDelta float64) SleepDecision {
	st.WakeCount++
	if st.WakeCount >= threshold {
		st.WakeCount = 0
		return SleepDecision{FullWake: true, Reason: PeriodicForce}
	}
	if !st.HasReported {
		return SleepDecision{FullWake: true, Reason: NeverRun}
	}
	if boot.Valid && math.Abs(boot.Power-st.LastReported.Power) > powerDelta {
		return SleepDecision{FullWake: true, Reason: DataChanged}
	}
	return SleepDecision{Reason: QuickSleep}
}

// IdleTracker measures time since the last reported change.
type IdleTracker struct {
	mu         sync.Mutex
	timeout    time.Duration
	lastChange time.Time
	stayUntil  time.Time
}

func NewIdleTracker(timeout time.Duration, start time.Time) *IdleTracker {
	return &IdleTracker{timeout: timeout, lastChange: start}
}

func (t *IdleTracker) Touch(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastChange = now
}

// StayAwakeUntil holds off Expired until at least until.
func (t *IdleTracker) StayAwakeUntil(until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if until.After(t.stayUntil) {
		t.stayUntil = until
	}
}

// Expired is true once more than the timeout has passed since the last change.
func (t *IdleTracker) Expired(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Before(t.stayUntil) {
		return false
	}
	return now.Sub(t.lastChange) > t.timeout
}

func (t *IdleTracker) LastChange() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastChange
}
