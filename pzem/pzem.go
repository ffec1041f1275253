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

// Package pzem encodes requests for and decodes responses from a PZEM-004T
// energy meter speaking Modbus-RTU.
package pzem

import (
	"errors"
	"fmt"
	"math"

	"github.com/sigurn/crc16"
)

const (
	SlaveAddress       = 0xF8
	ReadInputRegisters = 0x04
	RegisterCount      = 10

	RequestLength  = 8
	ResponseLength = 25

	// Number of register bytes following the header in a response.
	payloadLength = RegisterCount * 2
	headerLength  = 3
	crcOffset     = headerLength + payloadLength
)

// Register byte offsets inside a response frame. 32-bit values are sent as
// two registers, low word first.
const (
	voltageOffset     = 3
	currentLowOffset  = 5
	currentHighOffset = 7
	powerLowOffset    = 9
	powerHighOffset   = 11
	energyLowOffset   = 13
	energyHighOffset  = 15
	frequencyOffset   = 17
	powerFactorOffset = 19
)

// Scale factors from raw register values to physical units.
const (
	voltageScale     = 10.0   // 0.1 V
	currentScale     = 1000.0 // mA
	powerScale       = 10.0   // 0.1 W
	energyScale      = 1000.0 // Wh -> kWh
	frequencyScale   = 10.0   // 0.1 Hz
	powerFactorScale = 100.0  // 0.01
)

var (
	ErrChecksum  = errors.New("pzem: checksum mismatch")
	ErrFraming   = errors.New("pzem: invalid frame")
	ErrException = errors.New("pzem: exception response")
)

var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Reading is a single acquisition result. The zero value is an invalid reading.
type Reading struct {
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	Power       float64 `json:"power"`
	Energy      float64 `json:"energy"`
	Frequency   float64 `json:"frequency"`
	PowerFactor float64 `json:"pf"`
	Valid       bool    `json:"valid"`
}

func (r Reading) String() string {
	if !r.Valid {
		return "invalid reading"
	}
	return fmt.Sprintf("V: %.4f V | I: %.4f A | P: %.4f W | F: %.4f Hz | E: %.4f kWh | PF: %.4f",
		r.Voltage, r.Current, r.Power, r.Frequency, r.Energy, r.PowerFactor)
}

// CRC returns the CRC-16/MODBUS of data.
func CRC(data []byte) uint16 {
	return crc16.Checksum(data, modbusTable)
}

// appendCRC appends the CRC of data to it, low byte first.
func appendCRC(data []byte) []byte {
	crc := CRC(data)
	return append(data, byte(crc&0xFF), byte(crc>>8))
}

// EncodeReadRequest builds the request for all measurement registers.
func EncodeReadRequest() []byte {
	frame := make([]byte, 0, RequestLength)
	frame = append(frame,
		SlaveAddress,
		ReadInputRegisters,
		0x00, 0x00, // Start address
		0x00, RegisterCount,
	)
	return appendCRC(frame)
}

// DecodeResponse validates a response frame and decodes its registers.
// The checksum is verified before the header so any corruption of the
// checksummed bytes is reported as ErrChecksum.
func DecodeResponse(frame []byte) (Reading, error) {
	if len(frame) < ResponseLength {
		return Reading{}, fmt.Errorf("%w: got %d bytes, expected %d", ErrFraming, len(frame), ResponseLength)
	}
	frame = frame[:ResponseLength]

	calculatedCRC := CRC(frame[:crcOffset])
	receivedCRC := uint16(frame[crcOffset+1])<<8 | uint16(frame[crcOffset])
	if calculatedCRC != receivedCRC {
		return Reading{}, fmt.Errorf("%w: received 0x%04X, calculated 0x%04X", ErrChecksum, receivedCRC, calculatedCRC)
	}

	if frame[0] != SlaveAddress {
		return Reading{}, fmt.Errorf("%w: address 0x%02X", ErrFraming, frame[0])
	}
	if frame[1]&0x80 != 0 {
		return Reading{}, fmt.Errorf("%w: code 0x%02X", ErrException, frame[2])
	}
	if frame[1] != ReadInputRegisters {
		return Reading{}, fmt.Errorf("%w: function 0x%02X", ErrFraming, frame[1])
	}
	if frame[2] != payloadLength {
		return Reading{}, fmt.Errorf("%w: byte count %d", ErrFraming, frame[2])
	}

	return Reading{
		Voltage:     roundTo4(float64(register(frame, voltageOffset)) / voltageScale),
		Current:     roundTo4(float64(register32(frame, currentLowOffset, currentHighOffset)) / currentScale),
		Power:       roundTo4(float64(register32(frame, powerLowOffset, powerHighOffset)) / powerScale),
		Energy:      roundTo4(float64(register32(frame, energyLowOffset, energyHighOffset)) / energyScale),
		Frequency:   float64(register(frame, frequencyOffset)) / frequencyScale,
		PowerFactor: roundTo4(float64(register(frame, powerFactorOffset)) / powerFactorScale),
		Valid:       true,
	}, nil
}

// register reads a big-endian 16-bit register at offset.
func register(frame []byte, offset int) uint16 {
	return uint16(frame[offset])<<8 | uint16(frame[offset+1])
}

func register32(frame []byte, lowOffset, highOffset int) uint32 {
	return uint32(register(frame, highOffset))<<16 | uint32(register(frame, lowOffset))
}

// roundTo4 removes float noise left from rescaling.
func roundTo4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
