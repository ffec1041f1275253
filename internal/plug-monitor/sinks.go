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
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const publishTimeout = 5 * time.Second

// MQTTSink publishes reports to a broker. The paho client reconnects on its
// own, reports are only sent while the connection is up.
type MQTTSink struct {
	client mqtt.Client
	topic  string
	qos    byte
}

func NewMQTTSink(c ReportConfig) *MQTTSink {
	clientID := c.ClientID
	if clientID == "" {
		clientID = "plug-" + uuid.New().String()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("Connected to broker ", c.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("Lost connection to broker: ", err)
		})
	if c.Username != "" {
		opts.SetUsername(c.Username)
		opts.SetPassword(c.Password)
	}
	return &MQTTSink{
		client: mqtt.NewClient(opts),
		topic:  c.Topic,
		qos:    c.QoS,
	}
}

// Connect starts connecting in the background.
func (m *MQTTSink) Connect() {
	m.client.Connect()
}

func (m *MQTTSink) Connected() bool {
	return m.client.IsConnectionOpen()
}

func (m *MQTTSink) Publish(r Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.topic, m.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", m.topic)
	}
	if err := token.Error(); err != nil {
		return err
	}
	log.Debugf("Published to %s: %s", m.topic, payload)
	return nil
}

func (m *MQTTSink) Close() {
	m.client.Disconnect(250)
}

// RedisSink writes the latest report to a hash and publishes it on a channel
// of the same name.
type RedisSink struct {
	client *redis.Client
	key    string
}

func NewRedisSink(addr, key string) *RedisSink {
	return &RedisSink{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    key,
	}
}

func (s *RedisSink) Connected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

func (s *RedisSink) Publish(r Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.key, map[string]interface{}{
		"voltage":   r.Voltage,
		"current":   r.Current,
		"power":     r.Power,
		"energy":    r.Energy,
		"frequency": r.Frequency,
		"pf":        r.PowerFactor,
		"relay":     map[bool]string{true: "tripped", false: "on"}[r.Relay],
	})
	pipe.Publish(ctx, s.key, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write report to redis: %v", err)
	}
	return nil
}

func (s *RedisSink) Close() {
	s.client.Close()
}
