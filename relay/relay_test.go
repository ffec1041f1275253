package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func TestSetDrivesPin(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO23"}
	r := New(pin, false)

	require.NoError(t, r.Set(true))
	assert.Equal(t, gpio.High, pin.Read())
	assert.True(t, r.Energized())

	require.NoError(t, r.Set(false))
	assert.Equal(t, gpio.Low, pin.Read())
	assert.False(t, r.Energized())
}

func TestActiveLow(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO23"}
	r := New(pin, true)

	require.NoError(t, r.Set(true))
	assert.Equal(t, gpio.Low, pin.Read())
	require.NoError(t, r.Set(false))
	assert.Equal(t, gpio.High, pin.Read())
}

func TestHoldFreezesLevel(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO23"}
	r := New(pin, false)
	require.NoError(t, r.Set(true))
	require.NoError(t, r.Hold())

	assert.ErrorIs(t, r.Set(false), ErrHeld)
	assert.Equal(t, gpio.High, pin.Read())
	assert.True(t, r.Energized())

	r.Release()
	require.NoError(t, r.Set(false))
	assert.Equal(t, gpio.Low, pin.Read())
}
