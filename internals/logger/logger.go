// Copyright (c) 2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package logger writes the supervisor's log lines.
//
// Besides the usual printf-style calls, it renders the key/value fields
// that preloaders attach to the log frames they forward over the control
// channel (NoticeKV/DebugKV), so relayed worker messages end up in the
// same stream, formatted the same way.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level classifies a log line.
type Level int

const (
	// LevelDebug lines are dropped unless debug logging is on.
	LevelDebug Level = iota
	// LevelNotice lines are always written.
	LevelNotice
)

// A Backend receives each formatted line, without a trailing newline.
type Backend interface {
	Output(level Level, line string)
}

type discard struct{}

func (discard) Output(Level, string) {}

// Discard is a backend that drops everything.
var Discard Backend = discard{}

var (
	mu      sync.Mutex
	backend Backend = Discard
	debug   bool
)

// SetBackend routes all future log output to b and returns the previous
// backend, so callers can restore it.
func SetBackend(b Backend) (old Backend) {
	mu.Lock()
	defer mu.Unlock()
	old, backend = backend, b
	return old
}

// SetDebug turns debug output on or off. Debug output is also enabled by
// KLEINHIRN_DEBUG=1 in the environment.
func SetDebug(on bool) {
	mu.Lock()
	defer mu.Unlock()
	debug = on
}

func output(level Level, line string) {
	mu.Lock()
	defer mu.Unlock()
	if level == LevelDebug && !debug && os.Getenv("KLEINHIRN_DEBUG") != "1" {
		return
	}
	backend.Output(level, line)
}

// Noticef logs a message the operator should see.
func Noticef(format string, v ...any) {
	output(LevelNotice, fmt.Sprintf(format, v...))
}

// Debugf logs a message useful when debugging the supervisor.
func Debugf(format string, v ...any) {
	output(LevelDebug, fmt.Sprintf(format, v...))
}

// Panicf logs the message and then panics with it.
func Panicf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	output(LevelNotice, "PANIC "+msg)
	panic(msg)
}

// NoticeKV logs msg with the given fields appended as key="value" pairs in
// key order.
func NoticeKV(msg string, kv map[string]string) {
	output(LevelNotice, appendKV(msg, kv))
}

// DebugKV is NoticeKV at debug level.
func DebugKV(msg string, kv map[string]string) {
	output(LevelDebug, appendKV(msg, kv))
}

func appendKV(msg string, kv map[string]string) string {
	if len(kv) == 0 {
		return msg
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, kv[k])
	}
	return b.String()
}

// lineBackend stamps each line with a timestamp and the service prefix.
type lineBackend struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

// NewBackend returns a backend writing timestamped lines to w. The prefix
// goes between the timestamp and the message.
func NewBackend(w io.Writer, prefix string) Backend {
	return &lineBackend{w: w, prefix: prefix}
}

func (b *lineBackend) Output(level Level, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := make([]byte, 0, len(line)+len(b.prefix)+32)
	buf = AppendTimestamp(buf, time.Now())
	buf = append(buf, ' ')
	buf = append(buf, b.prefix...)
	if level == LevelDebug {
		buf = append(buf, "DEBUG "...)
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')
	b.w.Write(buf)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// MockBackend replaces the backend with an in-memory buffer and returns a
// Stringer over the captured output plus a restore function, for tests.
func MockBackend(prefix string) (fmt.Stringer, func()) {
	buf := &syncBuffer{}
	old := SetBackend(NewBackend(buf, prefix))
	return buf, func() {
		SetBackend(old)
	}
}

// AppendTimestamp appends a timestamp in format "YYYY-MM-DDTHH:mm:ss.sssZ" to
// the given byte slice and returns the extended slice.
//
// The timestamp is always in UTC and has exactly 3 fractional digits
// (millisecond precision). Makes no allocations if b has enough capacity.
func AppendTimestamp(b []byte, t time.Time) []byte {
	const capacity = 24

	utc := t.UTC()
	b = ensureCapacity(b, capacity)

	year, month, day := utc.Date()
	b = appendInt(b, year, 4)
	b = append(b, '-')
	b = appendInt(b, int(month), 2)
	b = append(b, '-')
	b = appendInt(b, day, 2)
	b = append(b, 'T')

	hour, minute, second := utc.Clock()
	b = appendInt(b, hour, 2)
	b = append(b, ':')
	b = appendInt(b, minute, 2)
	b = append(b, ':')
	b = appendInt(b, second, 2)
	b = append(b, '.')

	millisecond := utc.Nanosecond() / 1e6
	b = appendInt(b, millisecond, 3)
	b = append(b, 'Z')

	return b
}

func ensureCapacity(b []byte, n int) []byte {
	if cap(b)-len(b) < n {
		grown := make([]byte, len(b), len(b)+n)
		copy(grown, b)
		return grown
	}
	return b
}

// appendInt appends the decimal representation of x, zero-padded to width.
func appendInt(b []byte, x int, width int) []byte {
	var scratch [20]byte
	i := len(scratch)
	for {
		i--
		scratch[i] = byte('0' + x%10)
		x /= 10
		if x == 0 {
			break
		}
	}
	for pad := width - (len(scratch) - i); pad > 0; pad-- {
		b = append(b, '0')
	}
	return append(b, scratch[i:]...)
}
