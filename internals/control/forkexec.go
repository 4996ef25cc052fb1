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

package control

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/antifuchs/kleinhirn/internals/config"
	"github.com/antifuchs/kleinhirn/internals/logger"
	"github.com/antifuchs/kleinhirn/internals/wire"
)

// Environment variables handed to every worker.
const (
	// WorkerIDEnv carries the worker's opaque id.
	WorkerIDEnv = "KLEINHIRN_WORKER_ID"

	// NameEnv carries the human-readable command line of the service.
	NameEnv = "KLEINHIRN_NAME"

	// ControlFDEnv carries the decimal number of the worker's end of the
	// control socket, set only when worker acks are enabled.
	ControlFDEnv = "KLEINHIRN_STATUS_FD"

	// VersionEnv is reserved for a configured service version string.
	VersionEnv = "KLEINHIRN_VERSION"
)

// controlChannelFD is where the child finds its control socket: the first
// (and only) entry of ExtraFiles, directly after stderr.
const controlChannelFD = 3

// ForkExec launches each worker with a plain fork+exec of the configured
// command line.
type ForkExec struct {
	program *config.Program
	events  chan Event
}

// NewForkExec returns a controller executing the given program.
func NewForkExec(p *config.Program) *ForkExec {
	return &ForkExec{
		program: p,
		events:  make(chan Event, 20),
	}
}

// Initialize is a no-op: fork+exec needs no warmup.
func (f *ForkExec) Initialize() error {
	return nil
}

// SpawnWorker executes one worker. When acks are enabled it passes the child
// its end of a fresh control socket and waits for the single ack frame;
// otherwise the worker counts as ready the moment it's executed.
func (f *ForkExec) SpawnWorker() (string, error) {
	id := uuid.New().String()

	env := environ()
	for k, v := range f.program.Env {
		env[k] = v
	}
	env[WorkerIDEnv] = id
	env[NameEnv] = f.program.Name()

	var ours *wire.Channel
	var theirs *os.File
	if f.program.AckWorkers {
		var err error
		ours, theirs, err = wire.SocketPair()
		if err != nil {
			return "", err
		}
		env[ControlFDEnv] = strconv.Itoa(controlChannelFD)
	}

	cmd := exec.Command(f.program.Cmdline[0], f.program.Cmdline[1:]...)
	cmd.Env = environList(env)
	cmd.Dir = f.program.Cwd
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if theirs != nil {
		cmd.ExtraFiles = []*os.File{theirs}
	}

	err := cmd.Start()
	// The child holds its own duplicate now (or never will); ours must go
	// either way, or the control channel stays open after the worker dies.
	if theirs != nil {
		theirs.Close()
	}
	if err != nil {
		if ours != nil {
			ours.Close()
		}
		return "", fmt.Errorf("cannot spawn worker: %w", err)
	}
	f.events <- Launched{ID: id, Pid: cmd.Process.Pid}

	if ours != nil {
		ackedID, err := f.receiveAck(ours)
		ours.Close()
		if err != nil {
			return "", err
		}
		if ackedID != id {
			return "", &ProtocolError{Message: fmt.Sprintf("received ack for id %q, but expected %q", ackedID, id)}
		}
		f.events <- Acked{ID: ackedID}
	} else {
		// Without acks, executed means ready.
		f.events <- Acked{ID: id}
	}
	return id, nil
}

// receiveAck reads the one control-channel frame a worker may send.
func (f *ForkExec) receiveAck(ch *wire.Channel) (string, error) {
	var m message
	err := ch.ReadMessage(&m)
	if err == wire.ErrPeerClosed {
		logger.Debugf("Worker closed the control channel before acking.")
		return "", ErrWorkerDied
	}
	if err != nil {
		return "", fmt.Errorf("cannot receive worker ack: %w", err)
	}
	if m.Action != actionAck {
		return "", &ProtocolError{Message: fmt.Sprintf("unexpected worker message %q", m.Action)}
	}
	return m.ID, nil
}

// NextEvent returns the next queued lifecycle event.
func (f *ForkExec) NextEvent() (Event, error) {
	return <-f.events, nil
}

// environ returns the parent environment as a map, so configured and
// injected variables can override inherited ones.
func environ() map[string]string {
	env := make(map[string]string)
	for _, entry := range os.Environ() {
		key, val, _ := strings.Cut(entry, "=")
		env[key] = val
	}
	return env
}

// environList flattens env back into the "key=value" form used by os/exec,
// sorted by key so spawns are deterministic.
func environList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}
