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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	DefaultRedisKey = "plug:retained"
	redisTimeout    = 2 * time.Second
)

// RedisStore keeps the state in a redis key. A redis server without
// persistence loses it on reboot, which is what a retained region does.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(addr, key string) (*RedisStore, error) {
	if key == "" {
		key = DefaultRedisKey
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client, key: key}, nil
}

func (r *RedisStore) Load() (*State, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return unmarshal(data)
}

func (r *RedisStore) Save(s *State) error {
	data, err := marshal(s)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return r.client.Set(ctx, r.key, data, 0).Err()
}

func (r *RedisStore) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return r.client.Del(ctx, r.key).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
