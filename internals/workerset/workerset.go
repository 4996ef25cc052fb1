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

// Package workerset tracks the lifecycle of a fleet of worker processes as a
// state machine.
//
// The machine is driven by events from three independent sources (the child
// reaper, the process controller, and a timeout ticker) that may interleave
// arbitrarily. Every transition is total: each On* method accepts its event
// in every phase and returns the successor machine, never an error. The
// supervise loop depends on that; it must not be able to fail on a state
// transition.
//
// Each On* call consumes the receiver and returns the machine to use from
// then on. The receiver must not be used again afterwards.
package workerset

import (
	"fmt"
	"time"
)

// Phase is the coarse condition of the worker fleet.
type Phase string

const (
	// PhaseStartup means the initial fleet has not yet fully acked.
	PhaseStartup Phase = "startup"
	// PhaseRunning means at least the configured number of workers acked.
	PhaseRunning Phase = "running"
	// PhaseUnderprovisioned means a worker died out of Running and its
	// replacement hasn't acked yet.
	PhaseUnderprovisioned Phase = "underprovisioned"
	// PhaseFaulted is terminal: the fleet can no longer be maintained. The
	// workers index is kept frozen for diagnostics.
	PhaseFaulted Phase = "faulted"
)

// Config is the immutable fleet configuration.
type Config struct {
	// Count is the desired number of acked workers. Must be positive.
	Count int

	// AckTimeout faults the set if a launched worker doesn't ack in time.
	// Zero disables the timeout.
	AckTimeout time.Duration
}

// Events consumed by the machine.
type (
	// WorkerRequested records that a launch was requested under this id.
	WorkerRequested struct{ ID string }

	// WorkerLaunched records the pid a requested worker came up with.
	WorkerLaunched struct {
		ID  string
		Pid int
	}

	// WorkerAcked records that a worker finished initializing.
	WorkerAcked struct{ ID string }

	// WorkerDeath records a reaped pid, ours or not.
	WorkerDeath struct{ Pid int }

	// WorkerLaunchFailure records a failed launch. ID is empty when the
	// failure happened before an id was assigned.
	WorkerLaunchFailure struct{ ID string }

	// Tick carries the current time for timeout enforcement.
	Tick struct{ Now time.Time }

	// Terminate asks the fleet to shut down. Shutdown handling is a stub:
	// the event marks every worker as killed, and the resulting kill todos
	// are surfaced but not yet acted upon.
	Terminate struct{}
)

// MiserableCondition is an unrecoverable situation that faults the fleet.
type MiserableCondition int

const (
	// PreloaderDied means the preloader process closed its control channel.
	PreloaderDied MiserableCondition = iota
)

func (mc MiserableCondition) String() string {
	switch mc {
	case PreloaderDied:
		return "preloader died"
	}
	return fmt.Sprintf("miserable condition %d", int(mc))
}

// TodoKind enumerates the actions the machine can require of its driver.
type TodoKind int

const (
	// LaunchProcess asks for one more worker to be spawned.
	LaunchProcess TodoKind = iota
	// KillProcess asks for the given pid to be terminated. Only produced
	// on the (stubbed) termination path.
	KillProcess
)

// Todo is one required action.
type Todo struct {
	Kind TodoKind
	Pid  int // set for KillProcess only
}

// WorkerSet is the fleet state machine. Construct with New; drive with the
// On* methods.
type WorkerSet struct {
	phase   Phase
	workers workers
	config  Config

	// pendingKills holds pids whose termination was requested but not yet
	// carried out.
	pendingKills []int

	now func() time.Time // replaced in tests
}

// New returns a machine in the Startup phase with an empty fleet.
func New(config Config) *WorkerSet {
	return &WorkerSet{
		phase:   PhaseStartup,
		workers: newWorkers(),
		config:  config,
		now:     time.Now,
	}
}

// Phase returns the current phase.
func (s *WorkerSet) Phase() Phase {
	return s.phase
}

// Config returns the fleet configuration.
func (s *WorkerSet) Config() Config {
	return s.config
}

// Working reports whether the machine can still make progress. Once false
// (Faulted), the supervisor stops spawning and only keeps reaping.
func (s *WorkerSet) Working() bool {
	return s.phase != PhaseFaulted
}

// RequiredAction returns what the driver must do next, or nil for nothing.
// Kill todos take precedence over launches so a terminating fleet doesn't
// respawn what it is tearing down.
func (s *WorkerSet) RequiredAction() *Todo {
	if s.phase != PhaseFaulted && len(s.pendingKills) > 0 {
		return &Todo{Kind: KillProcess, Pid: s.pendingKills[0]}
	}
	switch s.phase {
	case PhaseStartup, PhaseUnderprovisioned:
		if s.workers.notKilledCount() < s.config.Count {
			return &Todo{Kind: LaunchProcess}
		}
	}
	return nil
}

// KillHandled removes the pid from the pending kill list once the driver has
// dealt with it.
func (s *WorkerSet) KillHandled(pid int) *WorkerSet {
	kills := s.pendingKills[:0]
	for _, p := range s.pendingKills {
		if p != pid {
			kills = append(kills, p)
		}
	}
	s.pendingKills = kills
	return s
}

// OnWorkerRequested records a launch request. A duplicate id overwrites the
// earlier request.
func (s *WorkerSet) OnWorkerRequested(ev WorkerRequested) *WorkerSet {
	switch s.phase {
	case PhaseStartup, PhaseRunning, PhaseUnderprovisioned:
		s.workers.register(ev.ID, s.now())
	}
	return s
}

// OnWorkerLaunched records the pid of a previously requested worker.
// Launches for unknown ids are dropped.
func (s *WorkerSet) OnWorkerLaunched(ev WorkerLaunched) *WorkerSet {
	switch s.phase {
	case PhaseStartup, PhaseRunning, PhaseUnderprovisioned:
		s.workers.launched(ev.ID, ev.Pid, s.now())
	}
	return s
}

// OnWorkerAcked records a worker ack, promoting the fleet to Running once the
// acked population reaches the configured count. Re-acks and unknown ids are
// no-ops.
func (s *WorkerSet) OnWorkerAcked(ev WorkerAcked) *WorkerSet {
	switch s.phase {
	case PhaseStartup, PhaseRunning, PhaseUnderprovisioned:
		s.workers.acked(ev.ID, s.now())
		if s.workers.ackedCount() >= s.config.Count {
			s.phase = PhaseRunning
		}
	}
	return s
}

// OnWorkerDeath handles a reaped pid. A pid that doesn't belong to the fleet
// (an adopted orphan) changes nothing. A fleet worker dying during Startup
// faults the set; out of Running it demotes to Underprovisioned.
func (s *WorkerSet) OnWorkerDeath(ev WorkerDeath) *WorkerSet {
	switch s.phase {
	case PhaseStartup:
		if s.workers.deleteByPid(ev.Pid) != nil {
			s.phase = PhaseFaulted
		}
	case PhaseRunning:
		if s.workers.deleteByPid(ev.Pid) != nil {
			s.phase = PhaseUnderprovisioned
		}
	case PhaseUnderprovisioned:
		s.workers.deleteByPid(ev.Pid)
	}
	return s
}

// OnWorkerLaunchFailure faults the fleet: a spawn that fails outright is not
// retried.
func (s *WorkerSet) OnWorkerLaunchFailure(ev WorkerLaunchFailure) *WorkerSet {
	switch s.phase {
	case PhaseStartup, PhaseRunning, PhaseUnderprovisioned:
		s.phase = PhaseFaulted
	}
	return s
}

// OnMiserableCondition faults the fleet.
func (s *WorkerSet) OnMiserableCondition(mc MiserableCondition) *WorkerSet {
	if s.phase != PhaseFaulted {
		s.phase = PhaseFaulted
	}
	return s
}

// OnTick enforces the ack timeout: a worker that was launched but hasn't
// acked within the configured window faults the fleet. Ticks are a no-op in
// Running (everything acked) and Faulted.
func (s *WorkerSet) OnTick(ev Tick) *WorkerSet {
	switch s.phase {
	case PhaseStartup, PhaseUnderprovisioned:
		if s.config.AckTimeout > 0 && s.workers.ackOverdue(ev.Now, s.config.AckTimeout) {
			s.phase = PhaseFaulted
		}
	}
	return s
}

// OnTerminate marks every live worker as killed and queues kill todos for
// those with a known pid.
func (s *WorkerSet) OnTerminate(ev Terminate) *WorkerSet {
	if s.phase == PhaseFaulted {
		return s
	}
	now := s.now()
	for _, w := range s.workers.byID {
		if !w.Killed.IsZero() {
			continue
		}
		w.Killed = now
		if w.Pid != 0 {
			s.pendingKills = append(s.pendingKills, w.Pid)
		}
	}
	return s
}

// Health is the probe-facing projection of the machine.
type Health struct {
	Healthy bool
	Reason  string // set when unhealthy
}

// Health projects the current phase for the health probe.
func (s *WorkerSet) Health() Health {
	switch s.phase {
	case PhaseRunning:
		return Health{Healthy: true}
	case PhaseStartup:
		return Health{Reason: "still starting up"}
	case PhaseUnderprovisioned:
		return Health{Reason: "underprovisioned"}
	}
	return Health{Reason: "faulted"}
}

// Counts breaks the fleet down by lifecycle stage.
type Counts struct {
	Desired   int
	Acked     int // fully initialized
	Launched  int // running but not yet acked
	Requested int // requested but not yet launched
}

// Counts reports the fleet breakdown used for introspection and metrics.
func (s *WorkerSet) Counts() Counts {
	counts := Counts{Desired: s.config.Count}
	for _, w := range s.workers.byID {
		switch {
		case !w.Acked.IsZero():
			counts.Acked++
		case !w.Launched.IsZero():
			counts.Launched++
		default:
			counts.Requested++
		}
	}
	return counts
}

// String renders the machine like "running (acked:3, launched:0, requested:0)/3".
func (s *WorkerSet) String() string {
	counts := s.Counts()
	return fmt.Sprintf("%s (acked:%d, launched:%d, requested:%d)/%d",
		s.phase, counts.Acked, counts.Launched, counts.Requested, counts.Desired)
}
