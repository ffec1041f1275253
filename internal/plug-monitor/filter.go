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

	"github.com/DasAuto39/plug-controller/pzem"
)

// ChangeFilter decides when a reading differs enough from the last reported
// one to be worth reporting.
type ChangeFilter struct {
	PowerDelta   float64
	CurrentRise  float64
	VoltageDelta float64
}

func DefaultChangeFilter() ChangeFilter {
	return ChangeFilter{PowerDelta: 1.0, CurrentRise: 0.1, VoltageDelta: 1.0}
}

// ShouldReport only looks at its arguments. Current is compared one way: a
// drop in current never triggers a report on its own.
func (f ChangeFilter) ShouldReport(current, last pzem.Reading, everReported bool) bool {
	if !everReported {
		return true
	}
	return math.Abs(current.Power-last.Power) > f.PowerDelta ||
		current.Current-last.Current > f.CurrentRise ||
		math.Abs(current.Voltage-last.Voltage) > f.VoltageDelta
}
