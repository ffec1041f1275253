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

// Package retained keeps the small amount of controller state that has to
// survive a sleep cycle (a full process restart) but not a reboot.
package retained

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DasAuto39/plug-controller/internal/logging"
	"github.com/DasAuto39/plug-controller/pzem"
)

var log = logging.NewLogger("info")

var (
	ErrCorrupt = errors.New("retained state is corrupt")
	ErrBackend = errors.New("unknown retained state backend")
)

// State is everything carried from one wake cycle to the next.
type State struct {
	// Build that wrote the state. A different build starts from zero.
	Version string `json:"version"`

	LastReported pzem.Reading `json:"lastReported"`
	HasReported  bool         `json:"hasReported"`
	WakeCount    int          `json:"wakeCount"`

	// RelayCutoff is set while the overload cutoff holds the relay off.
	RelayCutoff bool `json:"relayCutoff"`
}

// CommitReport records r as the last reported reading.
func (s *State) CommitReport(r pzem.Reading) {
	s.LastReported = r
	s.HasReported = true
}

// Store is the retained region. Load returns nil, nil when nothing has been
// saved since boot.
type Store interface {
	Load() (*State, error)
	Save(*State) error
	Clear() error
	Close() error
}

// Config selects and configures a Store.
type Config struct {
	Backend   string // file, bolt or redis
	Path      string
	RedisAddr string
	RedisKey  string
}

func Open(c Config) (Store, error) {
	switch c.Backend {
	case "", "file":
		return NewFileStore(c.Path), nil
	case "bolt":
		return OpenBoltStore(c.Path)
	case "redis":
		return NewRedisStore(c.RedisAddr, c.RedisKey)
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrBackend, c.Backend)
	}
}

// LoadOrReset loads the state from store, starting from zero when the region
// is empty, corrupt or was written by another build.
func LoadOrReset(store Store, version string) *State {
	st, err := store.Load()
	switch {
	case errors.Is(err, ErrCorrupt):
		log.Warn("Retained state failed its integrity check, starting from a cold boot: ", err)
		st = nil
	case err != nil:
		log.Warn("Failed to load retained state, starting from a cold boot: ", err)
		st = nil
	}
	if st == nil {
		log.Info("No retained state, cold boot")
		return &State{Version: version}
	}
	if st.Version != version {
		log.Infof("Retained state is from version '%s', now running '%s'. Resetting.", st.Version, version)
		return &State{Version: version}
	}
	return st
}

func marshal(s *State) ([]byte, error) {
	return json.Marshal(s)
}

func unmarshal(data []byte) (*State, error) {
	s := &State{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return s, nil
}
