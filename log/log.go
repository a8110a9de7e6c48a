// Copyright 2024 The corehost Authors
// This file is part of the corehost library.
//
// The corehost library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The corehost library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the corehost library. If not, see <http://www.gnu.org/licenses/>.

// Package log implements a small leveled, structured logger in the
// key/value style used throughout the corehost packages:
//
//	log.Info("accepted connection", "peer", addr, "conn", id)
//
// Output is colorized when attached to a terminal.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is a logging level.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

var levelColor = map[Lvl]*color.Color{
	LvlCrit:  color.New(color.FgRed, color.Bold),
	LvlError: color.New(color.FgRed),
	LvlWarn:  color.New(color.FgYellow),
	LvlInfo:  color.New(color.FgGreen),
	LvlDebug: color.New(color.FgCyan),
	LvlTrace: color.New(color.FgMagenta),
}

// Logger is a leveled key/value logger. The package-level functions
// use a root Logger on stdout; tests and callers needing an isolated
// sink can construct their own with NewLogger.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	colorize bool
	lvl      Lvl
	ctx      []interface{}
}

var root = NewLogger(colorable.NewColorableStdout(), isatty.IsTerminal(os.Stdout.Fd()))

// NewLogger returns a Logger writing to w. colorize controls whether
// level tags are colorized (only meaningful when w is a terminal).
func NewLogger(w io.Writer, colorize bool) *Logger {
	return &Logger{out: w, colorize: colorize, lvl: LvlInfo}
}

// SetLevel sets the minimum level the root logger emits.
func SetLevel(l Lvl) { root.SetLevel(l) }

// SetLevel sets the minimum level this logger emits.
func (l *Logger) SetLevel(lvl Lvl) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lvl = lvl
}

// New returns a child logger with additional persistent key/value
// context appended to every record it emits.
func (l *Logger) New(ctx ...interface{}) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	child := &Logger{out: l.out, colorize: l.colorize, lvl: l.lvl}
	child.ctx = append(append([]interface{}{}, l.ctx...), ctx...)
	return child
}

func (l *Logger) log(lvl Lvl, msg string, ctx []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl > l.lvl {
		return
	}

	tag := lvl.String()
	if l.colorize {
		if c, ok := levelColor[lvl]; ok {
			tag = c.Sprint(tag)
		}
	}

	line := fmt.Sprintf("%s[%s] %s", time.Now().Format("15:04:05.000"), tag, msg)

	all := append(append([]interface{}{}, l.ctx...), ctx...)
	for i := 0; i+1 < len(all); i += 2 {
		line += fmt.Sprintf(" %v=%v", all[i], all[i+1])
	}
	if lvl <= LvlWarn {
		line += fmt.Sprintf(" caller=%v", stack.Caller(3))
	}
	fmt.Fprintln(l.out, line)
}

func (l *Logger) Trace(msg string, ctx ...interface{}) { l.log(LvlTrace, msg, ctx) }
func (l *Logger) Debug(msg string, ctx ...interface{}) { l.log(LvlDebug, msg, ctx) }
func (l *Logger) Info(msg string, ctx ...interface{})  { l.log(LvlInfo, msg, ctx) }
func (l *Logger) Warn(msg string, ctx ...interface{})  { l.log(LvlWarn, msg, ctx) }
func (l *Logger) Error(msg string, ctx ...interface{}) { l.log(LvlError, msg, ctx) }
func (l *Logger) Crit(msg string, ctx ...interface{})  { l.log(LvlCrit, msg, ctx) }

// Package-level convenience functions delegate to the root logger, the
// way callers throughout this repository are expected to log.
func Trace(msg string, ctx ...interface{}) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { root.Crit(msg, ctx...) }

// New returns a child of the root logger with persistent key/value
// context appended to every record it emits.
func New(ctx ...interface{}) *Logger { return root.New(ctx...) }
