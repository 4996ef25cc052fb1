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
	"strconv"

	"github.com/google/uuid"

	"github.com/antifuchs/kleinhirn/internals/logger"
	"github.com/antifuchs/kleinhirn/internals/wire"
)

// Preloader drives a long-lived child process that loads application code
// once and forks pre-initialized workers on command.
type Preloader struct {
	channel *wire.Channel
	pid     int
}

// NewRubyPreloader starts the preloader for a bundled ruby program and
// returns once the child process is running. Code loading happens during
// Initialize.
func NewRubyPreloader(gemfile, load, startExpression string) (*Preloader, error) {
	ours, theirs, err := wire.SocketPair()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("bundle",
		"exec", "--gemfile", gemfile,
		"--keep-file-descriptors",
		"--",
		"kleinhirn-loader",
		"--status-fd", strconv.Itoa(controlChannelFD),
		"-e", startExpression,
		"-r", load,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{theirs}
	logger.Debugf("Running preloader: %v", cmd.Args)

	err = cmd.Start()
	theirs.Close()
	if err != nil {
		ours.Close()
		return nil, fmt.Errorf("cannot spawn preloader: %w", err)
	}
	logger.Debugf("Preloader running with PID %d.", cmd.Process.Pid)
	return &Preloader{channel: ours, pid: cmd.Process.Pid}, nil
}

// Pid returns the preloader child's process id.
func (p *Preloader) Pid() int {
	return p.pid
}

// nextMessage reads frames until one that isn't a log passthrough arrives.
// A half-closed channel means the preloader died.
func (p *Preloader) nextMessage() (*message, error) {
	for {
		var m message
		err := p.channel.ReadMessage(&m)
		if err == wire.ErrPeerClosed {
			logger.Debugf("Read EOF off the preloader pipe, it's dead.")
			return nil, ErrPreloaderDied
		}
		if err != nil {
			return nil, err
		}
		if m.Action == actionLog {
			logMessage(&m)
			continue
		}
		return &m, nil
	}
}

// Initialize waits for the preloader to finish loading code, following its
// loading → ready progression. It fails if the preloader reports an error or
// dies first.
func (p *Preloader) Initialize() error {
	phase := preloaderStarting
	for phase == preloaderStarting || phase == preloaderLoading {
		m, err := p.nextMessage()
		if err != nil {
			return err
		}
		phase = phase.onMessage(m)
	}
	if phase != preloaderReady {
		return fmt.Errorf("preloader failed to load")
	}
	return nil
}

// SpawnWorker asks the preloader to fork one worker. The launch and ack
// reports arrive asynchronously through NextEvent.
func (p *Preloader) SpawnWorker() (string, error) {
	id := uuid.New().String()
	err := p.channel.WriteMessage(&spawnRequest{Op: "spawn", ID: id})
	if err != nil {
		return "", fmt.Errorf("cannot send spawn request: %w", err)
	}
	return id, nil
}

// NextEvent reads one worker lifecycle report from the preloader.
func (p *Preloader) NextEvent() (Event, error) {
	m, err := p.nextMessage()
	if err != nil {
		return nil, err
	}
	switch m.Action {
	case actionLaunched:
		return Launched{ID: m.ID, Pid: m.Pid}, nil
	case actionAck:
		return Acked{ID: m.ID}, nil
	case actionFailed:
		return LaunchFailed{
			ID:  m.ID,
			Err: fmt.Errorf("preloader failed to launch a child worker: %s", m.Message),
		}, nil
	}
	return nil, &ProtocolError{Message: fmt.Sprintf("unexpected preloader message %q", m.Action)}
}

// Close closes the supervisor's end of the control channel. The preloader
// observes EOF and winds itself down.
func (p *Preloader) Close() error {
	return p.channel.Close()
}
