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
	"time"

	"github.com/boltdb/bolt"
)

var (
	boltBucket = []byte("retained")
	boltKey    = []byte("state")
)

// BoltStore keeps the state in a bolt database.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open retained state db %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Load() (*State, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return nil
		}
		if v := bucket.Get(boltKey); v != nil {
			data = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}
	return unmarshal(data)
}

func (b *BoltStore) Save(s *State) error {
	data, err := marshal(s)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(boltBucket)
		if err != nil {
			return err
		}
		return bucket.Put(boltKey, data)
	})
}

func (b *BoltStore) Clear() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(boltBucket) == nil {
			return nil
		}
		return tx.DeleteBucket(boltBucket)
	})
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
