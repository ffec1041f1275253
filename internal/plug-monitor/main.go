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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/DasAuto39/plug-controller/internal/logging"
	"github.com/DasAuto39/plug-controller/relay"
	"github.com/DasAuto39/plug-controller/retained"
	"github.com/DasAuto39/plug-controller/serialhelper"
	goconfig "github.com/TheCacophonyProject/go-config"
	"github.com/alexflint/go-arg"
	"github.com/google/go-cmp/cmp"
	"github.com/rjeczalik/notify"
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
)

type Args struct {
	ConfigDir string `arg:"-c,--config" help:"configuration folder"`
	logging.LogArgs
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{
	ConfigDir: goconfig.DefaultConfigDir,
}

var (
	errConfigChanged   = errors.New("config changed")
	errUpdateInstalled = errors.New("update installed")
)

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

// checkConfigChanges will compare the config from when first loaded to a new config each time
// the config file is modified.
// If there is a difference then the wake is stopped with errConfigChanged, the state is saved and
// the program exits so systemd will restart the service, causing the new config to be loaded.
func checkConfigChanges(ctx context.Context, conf *PlugConfig, configDir string, stop context.CancelCauseFunc) error {
	configFilePath := filepath.Join(configDir, goconfig.ConfigFileName)
	fsEvents := make(chan notify.EventInfo, 1)
	if err := notify.Watch(configFilePath, fsEvents, notify.InCloseWrite, notify.InMovedTo); err != nil {
		return err
	}
	defer notify.Stop(fsEvents)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-fsEvents:
		}
		newConfig, err := ParsePlugConfig(configDir)
		if err != nil {
			log.Error("error reloading config:", err)
			continue
		}
		diff := cmp.Diff(conf, newConfig)
		log.Debug("Config diff:", diff)
		if diff != "" {
			log.Info("Config changed. Exiting to allow systemctl to restart service.")
			stop(errConfigChanged)
			return nil
		}
		log.Info("No relevant changes detected in config file.")
	}
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log = logging.NewLogger(args.LogLevel)

	log.Printf("Running version: %s", version)

	conf, err := ParsePlugConfig(args.ConfigDir)
	if err != nil {
		return err
	}

	store, err := retained.Open(conf.Retained.StoreConfig())
	if err != nil {
		return err
	}
	st := retained.LoadOrReset(store, version)

	out, err := relay.Open(conf.RelayPin, conf.RelayActiveLow)
	if err != nil {
		return err
	}
	// Pick up where the last wake left the relay.
	if err := out.Set(!st.RelayCutoff); err != nil {
		log.Error(err)
	}

	port, err := serialhelper.Open(serialhelper.Config{
		Device:      conf.SerialDevice,
		Baud:        conf.BaudRate,
		Retries:     3,
		RetryWait:   time.Second,
		SetUARTPins: conf.SetUARTPins,
	})
	if err != nil {
		return err
	}
	defer port.Close()
	driver := NewDriver(port, conf.ReadTimeout)

	sleeper := ExitSleeper{Command: conf.SleepCommand}

	decision := DecideWake(driver.Acquire(), st, conf.ForceWakeEvery, conf.PowerDelta)
	wakesTotal.WithLabelValues(decision.Reason.String()).Inc()
	if !decision.FullWake {
		log.Debug("Nothing to do, going back to sleep")
		port.Close()
		return enterSleep(st, store, out, sleeper, conf.SleepDuration)
	}
	log.Info("Full wake: ", decision.Reason)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	go func() {
		if err := checkConfigChanges(ctx, conf, args.ConfigDir, cancel); err != nil {
			log.Error("Failed to watch config: ", err)
		}
	}()

	now := time.Now()
	safety := NewSafetyController(out, conf.PowerLimit, conf.Cooldown)
	if st.RelayCutoff {
		log.Info("Relay was cut off before sleeping, resuming the cooldown")
		safety.Resume(now)
	}
	filter := ChangeFilter{
		PowerDelta:   conf.PowerDelta,
		CurrentRise:  conf.CurrentRise,
		VoltageDelta: conf.VoltageDelta,
	}
	queue := NewReportQueue(conf.Report.QueueLength)
	m := NewMonitor(driver, safety, filter, queue, NewIdleTracker(conf.IdleTimeout, now), st, decision.Reason)

	sink, closeSink := newSink(conf.Report)
	defer closeSink()
	go queue.Run(ctx, sink)

	if conf.Update.ManifestURL != "" {
		go NewUpdateChecker(conf.Update, version).Run(ctx, cancel)
	}
	if conf.HTTPAddress != "" {
		go serveHTTP(ctx, conf.HTTPAddress, m.Status)
	}
	if conf.DBus {
		if err := startService(m); err != nil {
			log.Error("Failed to start D-Bus service: ", err)
		}
	}

	ticker := time.NewTicker(conf.SampleInterval)
	defer ticker.Stop()
	if err := m.Loop(ctx, ticker.C); err != nil {
		log.Debug("Wake stopped early: ", err)
	}
	cause := context.Cause(ctx)
	cancel(nil)
	port.Close()
	return finishWake(cause, st, store, out, sleeper, conf.SleepDuration)
}

// finishWake saves the state and holds the relay however the wake ended.
// An idle wake then sleeps, a stopped one returns so the service restarts.
func finishWake(cause error, st *retained.State, store retained.Store, out Output, sleeper Sleeper, d time.Duration) error {
	if cause == nil {
		return enterSleep(st, store, out, sleeper, d)
	}
	log.Info("Restarting: ", cause)
	persist(st, store, out)
	return nil
}

func newSink(c ReportConfig) (Sink, func()) {
	switch c.Sink {
	case "mqtt":
		s := NewMQTTSink(c)
		s.Connect()
		return s, s.Close
	case "redis":
		s := NewRedisSink(c.RedisAddr, c.RedisKey)
		return s, s.Close
	default:
		log.Info("Reporting is disabled")
		return discardSink{}, func() {}
	}
}
