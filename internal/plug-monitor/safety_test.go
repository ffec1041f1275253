package monitor

import (
	"testing"
	"time"

	"github.com/DasAuto39/plug-controller/pzem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestSafetyNormalKeepsRelayOn(t *testing.T) {
	captureEvents(t)
	out := &fakeOutput{}
	s := NewSafetyController(out, 80, 10*time.Second)

	tripped, err := s.Evaluate(watts(80), t0)
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.True(t, out.energized)
}

func TestSafetyHysteresis(t *testing.T) {
	events := captureEvents(t)
	out := &fakeOutput{energized: true}
	s := NewSafetyController(out, 80, 10*time.Second)

	tripped, err := s.Evaluate(watts(80.1), t0)
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.False(t, out.energized)
	require.Len(t, *events, 1)
	assert.Equal(t, overloadEvent, (*events)[0].Type)

	// Power is back under the limit but the cooldown has not passed.
	for ms := 1000; ms <= 10000; ms += 1000 {
		tripped, err := s.Evaluate(watts(20), t0.Add(time.Duration(ms)*time.Millisecond))
		require.NoError(t, err)
		assert.True(t, tripped, "at %dms", ms)
		assert.False(t, out.energized, "at %dms", ms)
	}

	tripped, err = s.Evaluate(watts(20), t0.Add(10001*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.True(t, out.energized)
	require.Len(t, *events, 2)
	assert.Equal(t, overloadClearedEvent, (*events)[1].Type)
}

func TestSafetyCooldownNotRefreshedByOverload(t *testing.T) {
	captureEvents(t)
	out := &fakeOutput{}
	s := NewSafetyController(out, 80, 10*time.Second)

	s.Evaluate(watts(200), t0)
	tripped, _ := s.Evaluate(watts(200), t0.Add(8*time.Second))
	assert.True(t, tripped)

	tripped, _ = s.Evaluate(watts(10), t0.Add(11*time.Second))
	assert.False(t, tripped)
}

func TestSafetyStaysCutWhileOverloaded(t *testing.T) {
	captureEvents(t)
	out := &fakeOutput{}
	s := NewSafetyController(out, 80, 10*time.Second)

	s.Evaluate(watts(100), t0)
	tripped, _ := s.Evaluate(watts(100), t0.Add(time.Minute))
	assert.True(t, tripped)
	assert.False(t, out.energized)
}

func TestSafetyIgnoresInvalidReadings(t *testing.T) {
	captureEvents(t)
	out := &fakeOutput{}
	s := NewSafetyController(out, 80, 10*time.Second)

	tripped, err := s.Evaluate(pzem.Reading{Power: 500}, t0)
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.Empty(t, out.sets)

	s.Evaluate(watts(100), t0)
	sets := len(out.sets)
	tripped, err = s.Evaluate(pzem.Reading{}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.Len(t, out.sets, sets)
}

func TestSafetyResume(t *testing.T) {
	captureEvents(t)
	out := &fakeOutput{}
	s := NewSafetyController(out, 80, 10*time.Second)
	s.Resume(t0)
	assert.True(t, s.Tripped())

	tripped, _ := s.Evaluate(watts(5), t0.Add(5*time.Second))
	assert.True(t, tripped)
	tripped, _ = s.Evaluate(watts(5), t0.Add(11*time.Second))
	assert.False(t, tripped)
}

func TestSafetyRelayError(t *testing.T) {
	captureEvents(t)
	out := &fakeOutput{err: errLine}
	s := NewSafetyController(out, 80, 10*time.Second)

	tripped, err := s.Evaluate(watts(100), t0)
	assert.True(t, tripped)
	assert.ErrorIs(t, err, errLine)
}
