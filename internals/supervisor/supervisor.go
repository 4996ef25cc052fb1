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

// Package supervisor composes the child reaper, the process controller and a
// timeout ticker into updates of the worker-set machine, and keeps the
// configured fleet alive.
package supervisor

import (
	"errors"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/antifuchs/kleinhirn/internals/control"
	"github.com/antifuchs/kleinhirn/internals/logger"
	"github.com/antifuchs/kleinhirn/internals/reaper"
	"github.com/antifuchs/kleinhirn/internals/workerset"
)

// Supervisor owns the worker-set machine and drives it with events from the
// reaper, the controller, and its own ticker. The machine sits behind a
// mutex so the health probe can observe it; all mutations happen on the
// supervise loop. The lock is never held across anything that blocks.
type Supervisor struct {
	controller control.Controller
	reaps      <-chan reaper.Reap
	tickPeriod time.Duration

	tomb tomb.Tomb

	mutex sync.Mutex
	set   *workerset.WorkerSet
}

// New builds a supervisor for the given fleet configuration. The reaps
// channel is normally reaper.Reaps().
func New(cfg workerset.Config, controller control.Controller, reaps <-chan reaper.Reap) *Supervisor {
	// The ticker only exists to enforce the ack timeout; it must fire at
	// least twice per timeout window so a late ack can't slip through a
	// whole period unnoticed.
	tick := time.Second
	if cfg.AckTimeout > 0 {
		tick = cfg.AckTimeout / 2
	}
	return &Supervisor{
		controller: controller,
		reaps:      reaps,
		tickPeriod: tick,
		set:        workerset.New(cfg),
	}
}

// Start launches the supervise loop. The loop runs until Stop; in normal
// operation it never ends.
func (s *Supervisor) Start() {
	s.tomb.Go(s.supervise)
}

// Stop terminates the supervise loop. Only used on teardown (and in tests);
// the fleet itself is not shut down.
func (s *Supervisor) Stop() error {
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

// Dying returns a channel closed when the supervise loop is about to exit,
// which in normal operation signals a fatal bug.
func (s *Supervisor) Dying() <-chan struct{} {
	return s.tomb.Dying()
}

// Health projects the machine's current condition for the health probe.
func (s *Supervisor) Health() workerset.Health {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.set.Health()
}

// Snapshot reports the current phase and fleet breakdown.
func (s *Supervisor) Snapshot() (workerset.Phase, workerset.Counts) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.set.Phase(), s.set.Counts()
}

// update applies one transition to the machine under the lock.
func (s *Supervisor) update(f func(*workerset.WorkerSet) *workerset.WorkerSet) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.set = f(s.set)
}

func (s *Supervisor) working() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.set.Working()
}

func (s *Supervisor) requiredAction() *workerset.Todo {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.set.RequiredAction()
}

// controllerResult carries one NextEvent outcome across the pump channel.
type controllerResult struct {
	event control.Event
	err   error
}

// supervise is the main loop. Every per-event error is absorbed here: the
// loop must keep running, reaping zombies, for the life of the process.
func (s *Supervisor) supervise() error {
	events := make(chan controllerResult)
	s.tomb.Go(func() error {
		// Pump controller events into the select below. Exactly one
		// event is in flight at a time, so the loop always applies the
		// request for a spawned worker before it sees that worker's
		// launch report.
		for {
			event, err := s.controller.NextEvent()
			select {
			case events <- controllerResult{event, err}:
			case <-s.tomb.Dying():
				return nil
			}
			if err != nil && errors.Is(err, control.ErrPreloaderDied) {
				// The controller is gone for good; no point polling
				// it any further.
				return nil
			}
		}
	})

	ticker := time.NewTicker(s.tickPeriod)
	defer ticker.Stop()

	for {
		if !s.working() {
			// We're broken. Just reap children and wait quietly for
			// the sweet release of death.
			select {
			case r := <-s.reaps:
				logger.Noticef("Reaped child with PID %d (exit code %d).", r.Pid, r.ExitCode)
			case <-s.tomb.Dying():
				return nil
			}
			continue
		}

		switch todo := s.requiredAction(); {
		case todo == nil:
		case todo.Kind == workerset.LaunchProcess:
			logger.Noticef("Need to launch a worker.")
			id, err := s.controller.SpawnWorker()
			if err != nil {
				logger.Noticef("Cannot launch worker: %v", err)
				s.update(func(m *workerset.WorkerSet) *workerset.WorkerSet {
					return m.OnWorkerLaunchFailure(workerset.WorkerLaunchFailure{})
				})
			} else {
				logger.Debugf("Requested launch of worker %q.", id)
				s.update(func(m *workerset.WorkerSet) *workerset.WorkerSet {
					return m.OnWorkerRequested(workerset.WorkerRequested{ID: id})
				})
			}
		case todo.Kind == workerset.KillProcess:
			// Rolling termination isn't implemented yet; acknowledge
			// the todo so the loop doesn't spin on it.
			logger.Noticef("Should kill PID %d.", todo.Pid)
			s.update(func(m *workerset.WorkerSet) *workerset.WorkerSet {
				return m.KillHandled(todo.Pid)
			})
		}

		select {
		case r := <-s.reaps:
			logger.Noticef("Reaped child with PID %d (exit code %d).", r.Pid, r.ExitCode)
			s.update(func(m *workerset.WorkerSet) *workerset.WorkerSet {
				return m.OnWorkerDeath(workerset.WorkerDeath{Pid: r.Pid})
			})

		case result := <-events:
			s.applyControllerResult(result)

		case <-ticker.C:
			s.update(func(m *workerset.WorkerSet) *workerset.WorkerSet {
				return m.OnTick(workerset.Tick{Now: time.Now()})
			})

		case <-s.tomb.Dying():
			return nil
		}
	}
}

func (s *Supervisor) applyControllerResult(result controllerResult) {
	if result.err != nil {
		if errors.Is(result.err, control.ErrPreloaderDied) {
			logger.Noticef("Preloader process is dead.")
			s.update(func(m *workerset.WorkerSet) *workerset.WorkerSet {
				return m.OnMiserableCondition(workerset.PreloaderDied)
			})
		} else {
			logger.Noticef("Cannot read controller message: %v", result.err)
		}
		return
	}
	switch event := result.event.(type) {
	case control.Launched:
		logger.Debugf("Worker %q launched with PID %d.", event.ID, event.Pid)
		s.update(func(m *workerset.WorkerSet) *workerset.WorkerSet {
			return m.OnWorkerLaunched(workerset.WorkerLaunched{ID: event.ID, Pid: event.Pid})
		})
	case control.Acked:
		logger.Debugf("Worker %q acked.", event.ID)
		s.update(func(m *workerset.WorkerSet) *workerset.WorkerSet {
			return m.OnWorkerAcked(workerset.WorkerAcked{ID: event.ID})
		})
	case control.LaunchFailed:
		logger.Noticef("Worker %q failed to launch: %v", event.ID, event.Err)
		s.update(func(m *workerset.WorkerSet) *workerset.WorkerSet {
			return m.OnWorkerLaunchFailure(workerset.WorkerLaunchFailure{ID: event.ID})
		})
	default:
		logger.Noticef("Ignoring unknown controller event %#v.", event)
	}
}
