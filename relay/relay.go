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

// Package relay drives the plug's load relay from a GPIO line.
package relay

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var ErrHeld = errors.New("relay: output is held")

// Relay is a single binary output. Energized means the load has power.
type Relay struct {
	mu        sync.Mutex
	pin       gpio.PinOut
	activeLow bool
	energized bool
	held      bool
}

// Open initializes the periph host drivers and claims the named pin.
func Open(pinName string, activeLow bool) (*Relay, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph: %w", err)
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("failed to find relay pin '%s'", pinName)
	}
	return New(pin, activeLow), nil
}

func New(pin gpio.PinOut, activeLow bool) *Relay {
	return &Relay{pin: pin, activeLow: activeLow}
}

func (r *Relay) level(energized bool) gpio.Level {
	if r.activeLow {
		return gpio.Level(!energized)
	}
	return gpio.Level(energized)
}

// Set drives the relay. It fails with ErrHeld after Hold until Release.
func (r *Relay) Set(energized bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held {
		return ErrHeld
	}
	if err := r.pin.Out(r.level(energized)); err != nil {
		return fmt.Errorf("failed to drive relay pin %s: %w", r.pin, err)
	}
	r.energized = energized
	return nil
}

func (r *Relay) Energized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.energized
}

// Hold re-drives the last commanded level and freezes it. The bcm283x GPIO
// block keeps a driven level after the process exits, so a held relay
// stays put across a restart.
func (r *Relay) Hold() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.pin.Out(r.level(r.energized)); err != nil {
		return fmt.Errorf("failed to hold relay pin %s: %w", r.pin, err)
	}
	r.held = true
	return nil
}

// Release undoes Hold.
func (r *Relay) Release() {
	r.mu.Lock()
	r.held = false
	r.mu.Unlock()
}

func (r *Relay) String() string {
	return r.pin.String()
}
