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

// Package meter is a set of manual tools for the plug: take a reading from
// the meter, find serial ports and look at the retained state.
package meter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/DasAuto39/plug-controller/internal/logging"
	monitor "github.com/DasAuto39/plug-controller/internal/plug-monitor"
	"github.com/DasAuto39/plug-controller/pzem"
	"github.com/DasAuto39/plug-controller/retained"
	"github.com/DasAuto39/plug-controller/serialhelper"
	goconfig "github.com/TheCacophonyProject/go-config"
	"github.com/alexflint/go-arg"
	"go.bug.st/serial/enumerator"
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
	stdout  io.Writer = os.Stdout
)

type Args struct {
	Read      *ReadCmd  `arg:"subcommand:read" help:"Take one reading from the meter."`
	Ports     *PortsCmd `arg:"subcommand:ports" help:"List the serial ports on this device."`
	State     *StateCmd `arg:"subcommand:state" help:"Show or clear the retained state."`
	ConfigDir string    `arg:"-c,--config" help:"configuration folder"`
	logging.LogArgs
}

type ReadCmd struct {
	Device   string `arg:"--device" help:"Serial device, defaults to the one in the config."`
	Attempts int    `arg:"--attempts" default:"3" help:"Readings to try before giving up."`
	JSON     bool   `arg:"--json" help:"Print the reading as JSON."`
}

type PortsCmd struct{}

type StateCmd struct {
	Show  *struct{} `arg:"subcommand:show" help:"Print the retained state."`
	Clear *struct{} `arg:"subcommand:clear" help:"Clear the retained state, the next wake is a cold boot."`
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{
	ConfigDir: goconfig.DefaultConfigDir,
}

func procArgs(input []string) (Args, *arg.Parser, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, nil, err
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
	return args, parser, err
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, parser, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log = logging.NewLogger(args.LogLevel)

	conf, err := monitor.ParsePlugConfig(args.ConfigDir)
	if err != nil {
		return err
	}

	switch {
	case args.Read != nil:
		return read(conf, args.Read)
	case args.Ports != nil:
		return listPorts(conf.SerialDevice)
	case args.State != nil:
		store, err := retained.Open(conf.Retained.StoreConfig())
		if err != nil {
			return err
		}
		defer store.Close()
		if args.State.Clear != nil {
			return clearState(store)
		}
		return showState(store)
	default:
		parser.WriteHelp(os.Stdout)
		return nil
	}
}

func read(conf *monitor.PlugConfig, cmd *ReadCmd) error {
	device := conf.SerialDevice
	if cmd.Device != "" {
		device = cmd.Device
	}
	port, err := serialhelper.Open(serialhelper.Config{
		Device:      device,
		Baud:        conf.BaudRate,
		Retries:     3,
		RetryWait:   time.Second,
		SetUARTPins: conf.SetUARTPins,
	})
	if err != nil {
		return err
	}
	defer port.Close()

	r, err := readWith(monitor.NewDriver(port, conf.ReadTimeout), cmd.Attempts)
	if err != nil {
		return err
	}
	return printReading(r, cmd.JSON)
}

type acquirer interface {
	Acquire() pzem.Reading
}

func readWith(d acquirer, attempts int) (pzem.Reading, error) {
	for i := 0; i < attempts; i++ {
		if r := d.Acquire(); r.Valid {
			return r, nil
		}
		log.Debugf("Attempt %d failed", i+1)
		time.Sleep(100 * time.Millisecond)
	}
	return pzem.Reading{}, fmt.Errorf("no valid reading after %d attempts", attempts)
}

func printReading(r pzem.Reading, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(stdout).Encode(r)
	}
	_, err := fmt.Fprintln(stdout, r)
	return err
}

func listPorts(configured string) error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(stdout, "No serial ports found")
		return nil
	}
	for _, p := range ports {
		line := p.Name
		if p.IsUSB {
			line += fmt.Sprintf("  USB %s:%s %s", p.VID, p.PID, p.Product)
		}
		if p.Name == configured {
			line += "  (configured)"
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}

func showState(store retained.Store) error {
	st, err := store.Load()
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Fprintln(stdout, "No retained state, next wake is a cold boot")
		return nil
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(b))
	return err
}

func clearState(store retained.Store) error {
	if err := store.Clear(); err != nil {
		return err
	}
	log.Info("Retained state cleared")
	return nil
}
