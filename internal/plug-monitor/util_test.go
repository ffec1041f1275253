package monitor

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/DasAuto39/plug-controller/pzem"
	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
)

// meterFrame builds a valid response. Values are raw register units:
// voltage 0.1V, current mA, power 0.1W.
func meterFrame(voltage uint16, current, power uint32) []byte {
	b := []byte{pzem.SlaveAddress, pzem.ReadInputRegisters, 0x14}
	b = binary.BigEndian.AppendUint16(b, voltage)
	b = binary.BigEndian.AppendUint16(b, uint16(current))
	b = binary.BigEndian.AppendUint16(b, uint16(current>>16))
	b = binary.BigEndian.AppendUint16(b, uint16(power))
	b = binary.BigEndian.AppendUint16(b, uint16(power>>16))
	b = append(b, 0, 0, 0, 0) // energy
	b = binary.BigEndian.AppendUint16(b, 500)
	b = binary.BigEndian.AppendUint16(b, 100)
	b = append(b, 0, 0) // alarm
	crc := pzem.CRC(b)
	return append(b, byte(crc), byte(crc>>8))
}

var errLine = errors.New("line error")

type fakeTransport struct {
	responses [][]byte
	written   [][]byte
	flushed   int
	writeErr  error
	readErr   error
}

func (f *fakeTransport) Write(data []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, append([]byte{}, data...))
	return len(data), nil
}

func (f *fakeTransport) ReadUpTo(n int, _ time.Duration) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	if len(f.responses) == 0 {
		return nil, nil
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	if len(r) > n {
		r = r[:n]
	}
	return r, nil
}

func (f *fakeTransport) FlushInput() error {
	f.flushed++
	return nil
}

type fakeOutput struct {
	energized bool
	held      bool
	sets      []bool
	err       error
}

func (f *fakeOutput) Set(energized bool) error {
	if f.err != nil {
		return f.err
	}
	f.sets = append(f.sets, energized)
	f.energized = energized
	return nil
}

func (f *fakeOutput) Hold() error {
	f.held = true
	return nil
}

type fakeSleeper struct {
	slept []time.Duration
}

func (f *fakeSleeper) Sleep(d time.Duration) error {
	f.slept = append(f.slept, d)
	return nil
}

// captureEvents swaps out the event reporter until the test ends.
func captureEvents(t interface{ Cleanup(func()) }) *[]eventclient.Event {
	events := &[]eventclient.Event{}
	addEvent = func(e eventclient.Event) error {
		*events = append(*events, e)
		return nil
	}
	t.Cleanup(func() { addEvent = eventclient.AddEvent })
	return events
}

func watts(p float64) pzem.Reading {
	return pzem.Reading{Voltage: 230, Power: p, Valid: true}
}
