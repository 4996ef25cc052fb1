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

// Package control launches worker processes and reports their lifecycle.
//
// Two controllers implement the same port: ForkExec starts each worker with a
// plain fork+exec of the configured command line, and Preloader drives a
// long-lived child that loads application code once and forks pre-warmed
// workers on demand.
package control

import (
	"errors"
	"fmt"
)

// Controller is the port the supervisor drives to manage worker processes.
type Controller interface {
	// Initialize completes once the controller is ready to spawn. It is
	// called exactly once, before any SpawnWorker call.
	Initialize() error

	// SpawnWorker starts one worker and returns the id assigned to it.
	// The resulting lifecycle events arrive via NextEvent.
	SpawnWorker() (id string, err error)

	// NextEvent blocks until the controller has a lifecycle event to
	// report. It returns ErrPreloaderDied when the preloader closed its
	// control channel; other errors are per-event and recoverable.
	NextEvent() (Event, error)
}

// Event is a worker lifecycle report from a controller.
type Event interface {
	controllerEvent()
}

// Launched reports that a worker process exists, with its pid.
type Launched struct {
	ID  string
	Pid int
}

// Acked reports that a worker finished initializing.
type Acked struct {
	ID string
}

// LaunchFailed reports that a requested worker could not be spawned.
type LaunchFailed struct {
	ID  string
	Err error
}

func (Launched) controllerEvent()     {}
func (Acked) controllerEvent()        {}
func (LaunchFailed) controllerEvent() {}

// ErrPreloaderDied is returned by NextEvent when the preloader process closed
// its end of the control channel. The fleet cannot recover from this.
var ErrPreloaderDied = errors.New("preloader process has died")

// ErrWorkerDied is returned when a worker closed its control channel before
// acking.
var ErrWorkerDied = errors.New("worker process has died or closed the control channel")

// ProtocolError reports a malformed or unexpected control-channel message.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("control protocol error: %s", e.Message)
}
