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

// Package logging provides the leveled logger shared by the plug-controller tools.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogArgs is embedded in each tool's arguments.
type LogArgs struct {
	LogLevel string `arg:"-l, --log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

type Logger struct {
	*logrus.Logger
}

// NewLogger returns a logger writing to stderr at the given level. An unknown
// level falls back to info.
func NewLogger(level string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	// journald adds its own timestamps.
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		l.Warnf("unknown log level '%s', using info", level)
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return &Logger{Logger: l}
}
