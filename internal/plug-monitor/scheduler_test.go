package monitor

import (
	"testing"
	"time"

	"github.com/DasAuto39/plug-controller/pzem"
	"github.com/DasAuto39/plug-controller/retained"
	"github.com/stretchr/testify/assert"
)

func TestDecideWakePeriodicForce(t *testing.T) {
	st := &retained.State{WakeCount: 59, HasReported: true, LastReported: watts(10)}
	d := DecideWake(watts(10), st, 60, 1.0)
	assert.Equal(t, SleepDecision{FullWake: true, Reason: PeriodicForce}, d)
	assert.Equal(t, 0, st.WakeCount)
}

func TestDecideWakePeriodicForceWins(t *testing.T) {
	st := &retained.State{WakeCount: 59}
	d := DecideWake(watts(100), st, 60, 1.0)
	assert.Equal(t, PeriodicForce, d.Reason)
	assert.Equal(t, 0, st.WakeCount)
}

func TestDecideWakeNeverRun(t *testing.T) {
	st := &retained.State{}
	d := DecideWake(pzem.Reading{}, st, 60, 1.0)
	assert.Equal(t, SleepDecision{FullWake: true, Reason: NeverRun}, d)
	assert.Equal(t, 1, st.WakeCount)
}

func TestDecideWakeDataChanged(t *testing.T) {
	st := &retained.State{WakeCount: 3, HasReported: true, LastReported: watts(10)}
	d := DecideWake(watts(11.5), st, 60, 1.0)
	assert.Equal(t, SleepDecision{FullWake: true, Reason: DataChanged}, d)
	assert.Equal(t, 4, st.WakeCount)
}

func TestDecideWakeQuickSleep(t *testing.T) {
	st := &retained.State{WakeCount: 3, HasReported: true, LastReported: watts(10)}
	d := DecideWake(watts(11), st, 60, 1.0)
	assert.Equal(t, SleepDecision{Reason: QuickSleep}, d)
	assert.Equal(t, 4, st.WakeCount)
}

func TestDecideWakeInvalidBootReading(t *testing.T) {
	st := &retained.State{HasReported: true, LastReported: watts(40)}
	d := DecideWake(pzem.Reading{}, st, 60, 1.0)
	assert.False(t, d.FullWake)
}

func TestDecideWakeCounterCycle(t *testing.T) {
	st := &retained.State{HasReported: true, LastReported: watts(10)}
	var forced int
	for i := 0; i < 180; i++ {
		if DecideWake(watts(10), st, 60, 1.0).FullWake {
			forced++
		}
	}
	assert.Equal(t, 3, forced)
}

func TestIdleTracker(t *testing.T) {
	idle := NewIdleTracker(90*time.Second, t0)
	assert.False(t, idle.Expired(t0.Add(90*time.Second)))
	assert.True(t, idle.Expired(t0.Add(90*time.Second+time.Millisecond)))

	idle.Touch(t0.Add(60 * time.Second))
	assert.False(t, idle.Expired(t0.Add(120*time.Second)))
	assert.True(t, idle.Expired(t0.Add(151*time.Second)))
	assert.Equal(t, t0.Add(60*time.Second), idle.LastChange())
}

func TestIdleTrackerStayAwake(t *testing.T) {
	idle := NewIdleTracker(90*time.Second, t0)
	idle.StayAwakeUntil(t0.Add(5 * time.Minute))
	idle.StayAwakeUntil(t0.Add(time.Minute))
	assert.False(t, idle.Expired(t0.Add(4*time.Minute)))
	assert.True(t, idle.Expired(t0.Add(5*time.Minute)))
}

func TestWakeReasonString(t *testing.T) {
	assert.Equal(t, "periodicForce", PeriodicForce.String())
	assert.Equal(t, "quickSleep", QuickSleep.String())
	assert.Equal(t, "unknown", WakeReason(42).String())
}
