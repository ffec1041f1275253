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
	"path/filepath"
	"time"

	goconfig "github.com/TheCacophonyProject/go-config"
	"github.com/DasAuto39/plug-controller/retained"
)

const plugKey = "plug"

type PlugConfig struct {
	SerialDevice string        `mapstructure:"serial-device"`
	BaudRate     int           `mapstructure:"baud-rate"`
	SetUARTPins  bool          `mapstructure:"set-uart-pins"`
	ReadTimeout  time.Duration `mapstructure:"read-timeout"`

	RelayPin       string `mapstructure:"relay-pin"`
	RelayActiveLow bool   `mapstructure:"relay-active-low"`

	PowerLimit float64       `mapstructure:"power-limit"`
	Cooldown   time.Duration `mapstructure:"cooldown"`

	PowerDelta   float64 `mapstructure:"power-delta"`
	CurrentRise  float64 `mapstructure:"current-rise"`
	VoltageDelta float64 `mapstructure:"voltage-delta"`

	SampleInterval time.Duration `mapstructure:"sample-interval"`
	IdleTimeout    time.Duration `mapstructure:"idle-timeout"`
	SleepDuration  time.Duration `mapstructure:"sleep-duration"`
	ForceWakeEvery int           `mapstructure:"force-wake-every"`
	// Run before exiting to sleep, PLUG_SLEEP_SECONDS is set in its environment.
	SleepCommand string `mapstructure:"sleep-command"`

	Retained RetainedConfig `mapstructure:"retained"`
	Report   ReportConfig   `mapstructure:"report"`
	Update   UpdateConfig   `mapstructure:"update"`

	HTTPAddress string `mapstructure:"http-address"`
	DBus        bool   `mapstructure:"dbus"`
}

type RetainedConfig struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	RedisAddr string `mapstructure:"redis-addr"`
	RedisKey  string `mapstructure:"redis-key"`
}

func (c RetainedConfig) StoreConfig() retained.Config {
	return retained.Config{
		Backend:   c.Backend,
		Path:      c.Path,
		RedisAddr: c.RedisAddr,
		RedisKey:  c.RedisKey,
	}
}

type ReportConfig struct {
	Sink        string `mapstructure:"sink"` // mqtt, redis or none
	QueueLength int    `mapstructure:"queue-length"`
	Broker      string `mapstructure:"broker"`
	Topic       string `mapstructure:"topic"`
	ClientID    string `mapstructure:"client-id"`
	QoS         byte   `mapstructure:"qos"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	RedisAddr   string `mapstructure:"redis-addr"`
	RedisKey    string `mapstructure:"redis-key"`
}

type UpdateConfig struct {
	ManifestURL string        `mapstructure:"manifest-url"`
	Token       string        `mapstructure:"token"`
	Interval    time.Duration `mapstructure:"interval"`
	InstallPath string        `mapstructure:"install-path"`
}

func DefaultPlugConfig() PlugConfig {
	return PlugConfig{
		SerialDevice: "/dev/serial0",
		BaudRate:     9600,
		ReadTimeout:  100 * time.Millisecond,

		RelayPin: "GPIO23",

		PowerLimit: 80,
		Cooldown:   10 * time.Second,

		PowerDelta:   1.0,
		CurrentRise:  0.1,
		VoltageDelta: 1.0,

		SampleInterval: time.Second,
		IdleTimeout:    90 * time.Second,
		SleepDuration:  5 * time.Second,
		ForceWakeEvery: 60,

		Retained: RetainedConfig{
			Backend:   "file",
			Path:      "/run/plug-controller/retained",
			RedisAddr: "localhost:6379",
			RedisKey:  retained.DefaultRedisKey,
		},
		Report: ReportConfig{
			Sink:        "mqtt",
			QueueLength: 10,
			Broker:      "tcp://broker.hivemq.com:1883",
			Topic:       "esp32/pzem/data",
			QoS:         1,
			RedisAddr:   "localhost:6379",
			RedisKey:    "plug",
		},
		Update: UpdateConfig{
			Interval:    time.Minute,
			InstallPath: "/usr/bin/plug-controller",
		},
		HTTPAddress: ":2112",
		DBus:        true,
	}
}

// ParsePlugConfig reads the [plug] section of the config file in configDir.
// A missing file or section gives the defaults.
func ParsePlugConfig(configDir string) (*PlugConfig, error) {
	c := DefaultPlugConfig()

	configFile := filepath.Join(configDir, goconfig.ConfigFileName)
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Debugf("No config file at %s, using defaults", configFile)
		return &c, nil
	}

	conf, err := goconfig.New(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", configFile, err)
	}
	if err := conf.Unmarshal(plugKey, &c); err != nil {
		return nil, fmt.Errorf("failed to parse [%s] in %s: %w", plugKey, configFile, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *PlugConfig) validate() error {
	if c.ForceWakeEvery < 1 {
		return fmt.Errorf("force-wake-every must be at least 1, got %d", c.ForceWakeEvery)
	}
	if c.Report.QueueLength < 1 {
		return fmt.Errorf("report queue-length must be at least 1, got %d", c.Report.QueueLength)
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample-interval must be positive, got %s", c.SampleInterval)
	}
	return nil
}
