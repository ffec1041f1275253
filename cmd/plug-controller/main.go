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

package main

import (
	"fmt"
	"os"

	"github.com/DasAuto39/plug-controller/internal/logging"
	meter "github.com/DasAuto39/plug-controller/internal/plug-meter"
	monitor "github.com/DasAuto39/plug-controller/internal/plug-monitor"
)

var log *logging.Logger

// Set at build time with -ldflags "-X main.version=...".
var version = "<not set>"

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err)
	}
}

func runMain() error {
	log = logging.NewLogger("info")
	if len(os.Args) < 2 {
		log.Info("Usage: plug-controller <monitor|meter> [args]")
		return fmt.Errorf("no subcommand given")
	}

	subcommand := os.Args[1]
	args := os.Args[2:]

	var err error
	switch subcommand {
	case "monitor":
		err = monitor.Run(args, version)
	case "meter":
		err = meter.Run(args, version)
	default:
		err = fmt.Errorf("unknown subcommand: %s", subcommand)
	}

	return err
}
