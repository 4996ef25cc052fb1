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

// Package reaper waits for dead child processes on behalf of the whole
// process. At startup it marks the supervisor as a child subreaper, so
// orphaned descendants are reparented to us instead of PID 1 and we become
// responsible for reaping them. Every reaped PID, worker or adopted orphan
// alike, is published on the Reaps channel; routing the PID to a worker (or
// ignoring it) is the consumer's business.
package reaper

import (
	"fmt"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/antifuchs/kleinhirn/internals/logger"
)

// Reap describes one reaped child.
type Reap struct {
	Pid      int
	ExitCode int
}

var (
	reaperTomb tomb.Tomb

	mutex   sync.Mutex
	started bool
	reaps   chan Reap
)

// Start marks this process as a child subreaper and starts the reaper,
// which waits for SIGCHLD and drains all ready children.
func Start() error {
	mutex.Lock()
	defer mutex.Unlock()

	if started {
		return nil // already started
	}

	isSubreaper, err := setChildSubreaper()
	if err != nil {
		return fmt.Errorf("cannot set child subreaper: %w", err)
	}
	if !isSubreaper {
		return fmt.Errorf("child subreaping unavailable on this platform")
	}

	started = true
	reaps = make(chan Reap, 64)
	reaperTomb.Go(reapChildren)
	return nil
}

// Stop stops the child process reaper.
func Stop() error {
	mutex.Lock()
	if !started {
		mutex.Unlock()
		return nil // already stopped
	}
	mutex.Unlock()

	reaperTomb.Kill(nil)
	reaperTomb.Wait()
	reaperTomb = tomb.Tomb{}

	mutex.Lock()
	started = false
	mutex.Unlock()

	return nil
}

// Reaps returns the channel on which every reaped child is reported. The
// channel is only valid after Start has returned successfully.
func Reaps() <-chan Reap {
	mutex.Lock()
	defer mutex.Unlock()
	if !started {
		panic("internal error: reaper must be started")
	}
	return reaps
}

// setChildSubreaper sets the current process as a "child subreaper" so we
// become the parent of dead child processes rather than PID 1. This allows us
// to wait for workers whose intermediate parents have exited, to "reap" them
// (see https://unix.stackexchange.com/a/250156/73491).
//
// The function returns true if sub-reaping is available (Linux 3.4+) along
// with an error if it's available but can't be set.
func setChildSubreaper() (bool, error) {
	err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
	if err == unix.EINVAL {
		return false, nil
	}
	return true, err
}

// reapChildren "reaps" (waits for) child processes whose parents didn't
// wait() for them. It stops when the reaper tomb is killed.
func reapChildren() error {
	logger.Debugf("Reaper started, waiting for SIGCHLD.")
	sigChld := make(chan os.Signal, 1)
	signal.Notify(sigChld, unix.SIGCHLD)
	for {
		select {
		case <-sigChld:
			logger.Debugf("Reaper received SIGCHLD.")
			if !reapOnce() {
				return nil
			}
		case <-reaperTomb.Dying():
			signal.Reset(unix.SIGCHLD)
			logger.Debugf("Reaper stopped.")
			return nil
		}
	}
}

// reapOnce waits for child processes until there are no more to reap. The
// SIGCHLD notification channel collapses any number of pending signals into
// one wakeup, so each wakeup drains everything that's ready. It returns
// false once the reaper is dying.
func reapOnce() bool {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		switch err {
		case nil:
			if pid <= 0 {
				// No child is ready right now; go back to waiting
				// for the next SIGCHLD.
				return true
			}

			if status.Stopped() || status.Continued() {
				// Not a terminal status change.
				logger.Debugf("Ignoring non-exit status change of PID %d.", pid)
				continue
			}

			exitCode := status.ExitStatus()
			if status.Signaled() {
				exitCode = 128 + int(status.Signal())
			}
			logger.Debugf("Reaped PID %d which exited with code %d.", pid, exitCode)

			select {
			case reaps <- Reap{Pid: pid, ExitCode: exitCode}:
			case <-reaperTomb.Dying():
				return false
			}

		case unix.ECHILD:
			// Peaceful: we have no children at all.
			return true

		default:
			logger.Noticef("Cannot wait for child process: %v", err)
			return true
		}
	}
}
