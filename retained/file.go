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

package retained

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sigurn/crc8"
)

// First byte of a state file, like the EEPROM records on the HAT.
const fileMagic = 0xCA

var crcTable = crc8.MakeTable(crc8.Params{
	Poly:   0x31,
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
})

// FileStore keeps the state in a single file, normally on /run so it is
// cleared on reboot. Layout: magic, JSON, CRC-8 of the JSON.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns nil, nil if no state has been saved.
func (f *FileStore) Load() (*State, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(data))
	}
	if data[0] != fileMagic {
		return nil, fmt.Errorf("%w: invalid first byte: %#02X, expecting %#02X", ErrCorrupt, data[0], fileMagic)
	}
	body := data[1 : len(data)-1]
	receivedCRC := data[len(data)-1]
	if calculatedCRC := crc8.Checksum(body, crcTable); calculatedCRC != receivedCRC {
		return nil, fmt.Errorf("%w: CRC received 0x%02X, calculated 0x%02X", ErrCorrupt, receivedCRC, calculatedCRC)
	}
	return unmarshal(body)
}

// Save writes the state through a temp file and rename so a power cut never
// leaves a half written record.
func (f *FileStore) Save(s *State) error {
	body, err := marshal(s)
	if err != nil {
		return err
	}
	data := make([]byte, 0, len(body)+2)
	data = append(data, fileMagic)
	data = append(data, body...)
	data = append(data, crc8.Checksum(body, crcTable))

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write retained state: %w", err)
	}
	return os.Rename(tmp, f.path)
}

// Clear removes the saved state, like a cold boot.
func (f *FileStore) Clear() error {
	err := os.Remove(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FileStore) Close() error { return nil }
