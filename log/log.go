// isync
// Copyright (C) 2014 Simone Gotti <simone.gotti@gmail.com>
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package log

import (
	"fmt"
	"os"

	golog "github.com/coreos/go-log/log"
)

// stderrSink is the process-wide log destination. Every component
// logger shares it, distinguished by its prefix.
var stderrSink = golog.WriterSink(os.Stderr,
	"%s [%s] %s: %s\n",
	[]string{"time", "prefix", "priority", "message"})

type Logger struct {
	*golog.Logger
}

// GetLogger returns a logger for one component. Messages less severe
// than loglevel are dropped; an unknown level keeps errors only.
func GetLogger(prefix string, loglevel string) *Logger {
	cutoff, _ := LogLevelToPriority(loglevel)
	return &Logger{golog.New(prefix, false, &levelFilter{cutoff, stderrSink})}
}

// levelFilter drops entries below the cutoff before they reach the
// sink. Lower priority values indicate more important messages.
type levelFilter struct {
	cutoff golog.Priority
	next   golog.Sink
}

func (f *levelFilter) Log(fields golog.Fields) {
	if fields["priority"].(golog.Priority) <= f.cutoff {
		f.next.Log(fields)
	}
}

func LogLevelToPriority(loglevel string) (golog.Priority, error) {
	switch loglevel {
	case "error":
		return golog.PriErr, nil
	case "info":
		return golog.PriInfo, nil
	case "debug":
		return golog.PriDebug, nil
	}
	return golog.PriErr, fmt.Errorf("Wrong log level: \"%s\". Valid levels are: error, info, debug", loglevel)
}
