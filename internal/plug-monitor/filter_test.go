package monitor

import (
	"testing"

	"github.com/DasAuto39/plug-controller/pzem"
	"github.com/stretchr/testify/assert"
)

func TestFilterFirstRun(t *testing.T) {
	f := DefaultChangeFilter()
	assert.True(t, f.ShouldReport(pzem.Reading{}, pzem.Reading{}, false))
	assert.True(t, f.ShouldReport(watts(10), watts(10), false))
}

func TestFilterThresholds(t *testing.T) {
	f := DefaultChangeFilter()
	last := pzem.Reading{Voltage: 230, Current: 0.5, Power: 10, Valid: true}

	tests := []struct {
		name    string
		current pzem.Reading
		want    bool
	}{
		{"unchanged", last, false},
		{"power +1.0", pzem.Reading{Voltage: 230, Current: 0.5, Power: 11}, false},
		{"power -1.0", pzem.Reading{Voltage: 230, Current: 0.5, Power: 9}, false},
		{"power +1.0001", pzem.Reading{Voltage: 230, Current: 0.5, Power: 11.0001}, true},
		{"power -1.0001", pzem.Reading{Voltage: 230, Current: 0.5, Power: 8.9999}, true},
		{"current +0.1001", pzem.Reading{Voltage: 230, Current: 0.6001, Power: 10}, true},
		{"current +0.05", pzem.Reading{Voltage: 230, Current: 0.55, Power: 10}, false},
		{"current -0.5", pzem.Reading{Voltage: 230, Current: 0, Power: 10}, false},
		{"voltage +1.0", pzem.Reading{Voltage: 231, Current: 0.5, Power: 10}, false},
		{"voltage +1.5", pzem.Reading{Voltage: 231.5, Current: 0.5, Power: 10}, true},
		{"voltage -1.5", pzem.Reading{Voltage: 228.5, Current: 0.5, Power: 10}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.ShouldReport(tt.current, last, true))
		})
	}
}

func TestFilterCurrentDropNeverReports(t *testing.T) {
	f := DefaultChangeFilter()
	last := pzem.Reading{Voltage: 230, Current: 50, Power: 10}
	assert.False(t, f.ShouldReport(pzem.Reading{Voltage: 230, Current: 0, Power: 10}, last, true))
}
