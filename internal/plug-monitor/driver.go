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
	"errors"
	"time"

	"github.com/DasAuto39/plug-controller/pzem"
)

// Transport is the half duplex link to the meter. serialhelper.Port implements it.
type Transport interface {
	Write(data []byte) (int, error)
	ReadUpTo(n int, timeout time.Duration) ([]byte, error)
	FlushInput() error
}

// Driver runs one request/response exchange with the meter per Acquire.
type Driver struct {
	transport Transport
	timeout   time.Duration
	request   []byte
}

func NewDriver(t Transport, timeout time.Duration) *Driver {
	return &Driver{
		transport: t,
		timeout:   timeout,
		request:   pzem.EncodeReadRequest(),
	}
}

// Acquire never fails. Any problem on the line gives an invalid reading and
// the next tick starts again from scratch.
func (d *Driver) Acquire() pzem.Reading {
	if err := d.transport.FlushInput(); err != nil {
		log.Debug("Failed to flush meter input: ", err)
	}

	if _, err := d.transport.Write(d.request); err != nil {
		log.Warn("Failed to send request to meter: ", err)
		readingsTotal.WithLabelValues("write_error").Inc()
		return pzem.Reading{}
	}

	frame, err := d.transport.ReadUpTo(pzem.ResponseLength, d.timeout)
	if err != nil {
		log.Warn("Failed to read from meter: ", err)
		readingsTotal.WithLabelValues("read_error").Inc()
		return pzem.Reading{}
	}
	if len(frame) < pzem.ResponseLength {
		log.Warnf("Meter response timed out, got %d of %d bytes", len(frame), pzem.ResponseLength)
		readingsTotal.WithLabelValues("timeout").Inc()
		return pzem.Reading{}
	}

	r, err := pzem.DecodeResponse(frame)
	if err != nil {
		log.Warnf("Invalid meter response % X: %v", frame, err)
		readingsTotal.WithLabelValues(decodeErrorLabel(err)).Inc()
		return pzem.Reading{}
	}
	readingsTotal.WithLabelValues("ok").Inc()
	return r
}

func decodeErrorLabel(err error) string {
	switch {
	case errors.Is(err, pzem.ErrChecksum):
		return "checksum"
	case errors.Is(err, pzem.ErrException):
		return "exception"
	default:
		return "framing"
	}
}
