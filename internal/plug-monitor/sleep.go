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
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/DasAuto39/plug-controller/retained"
)

var (
	exitFn  = os.Exit
	sleepFn = time.Sleep
)

// Sleeper puts the controller to sleep. Sleep does not return on success,
// the next thing to run is a fresh boot.
type Sleeper interface {
	Sleep(d time.Duration) error
}

// ExitSleeper waits out the sleep, or hands it to Command (such as rtcwake),
// then exits so the service manager starts the next wake cycle.
type ExitSleeper struct {
	Command string
}

func (s ExitSleeper) Sleep(d time.Duration) error {
	if s.Command == "" {
		sleepFn(d)
	} else {
		cmd := exec.Command("sh", "-c", s.Command)
		cmd.Env = append(os.Environ(), fmt.Sprintf("PLUG_SLEEP_SECONDS=%d", int(d.Seconds())))
		if out, err := cmd.CombinedOutput(); err != nil {
			log.Errorf("Sleep command '%s' failed: %v, output: %s", s.Command, err, out)
			sleepFn(d)
		}
	}
	log.Info("Waking up")
	exitFn(0)
	return nil
}

// persist saves everything the next boot needs and latches the relay.
func persist(st *retained.State, store retained.Store, out Output) {
	if err := store.Save(st); err != nil {
		log.Error("Failed to save retained state: ", err)
	}
	if err := out.Hold(); err != nil {
		log.Error("Failed to hold relay: ", err)
	}
	if err := store.Close(); err != nil {
		log.Debug("Failed to close retained store: ", err)
	}
}

// enterSleep persists the state and sleeps. The state must be complete
// before calling.
func enterSleep(st *retained.State, store retained.Store, out Output, sleeper Sleeper, d time.Duration) error {
	persist(st, store, out)
	log.Infof("Sleeping for %s (relay cut off: %t, wake count: %d)", d, st.RelayCutoff, st.WakeCount)
	return sleeper.Sleep(d)
}
