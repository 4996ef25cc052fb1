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

package workerset

import (
	"time"
)

// Worker is one managed child process. Timestamps are set once, in request →
// launch → ack order, and never cleared; Killed may be set from any non-initial
// point of the lifecycle.
type Worker struct {
	ID        string
	Pid       int // 0 until the launch report arrives
	Requested time.Time
	Launched  time.Time
	Acked     time.Time
	Killed    time.Time
}

// workers is the fleet index: the primary id → worker mapping plus the
// pid → id mapping populated once a worker's pid is known. Both maps are kept
// in sync; a removal always clears both.
type workers struct {
	byID  map[string]*Worker
	byPid map[int]string
}

func newWorkers() workers {
	return workers{
		byID:  make(map[string]*Worker),
		byPid: make(map[int]string),
	}
}

// register records a newly requested worker. A duplicate id overwrites the
// previous entry (latest request wins), dropping any stale pid index entry
// the old incarnation left behind.
func (ws *workers) register(id string, now time.Time) {
	if old, ok := ws.byID[id]; ok && old.Pid != 0 {
		delete(ws.byPid, old.Pid)
	}
	ws.byID[id] = &Worker{ID: id, Requested: now}
}

// launched records the launch report for a known worker. Reports for unknown
// ids are dropped: on extreme interleavings the controller can emit a launch
// before the request was recorded, and the request event is guaranteed to
// still arrive from the same spawn call.
func (ws *workers) launched(id string, pid int, now time.Time) {
	w, ok := ws.byID[id]
	if !ok {
		return
	}
	if w.Launched.IsZero() {
		w.Launched = now
	}
	if w.Pid == 0 {
		w.Pid = pid
		ws.byPid[pid] = id
	}
}

// acked records the ack for a known worker. Re-acks are idempotent and acks
// for unknown ids are dropped.
func (ws *workers) acked(id string, now time.Time) {
	w, ok := ws.byID[id]
	if !ok {
		return
	}
	if w.Acked.IsZero() {
		w.Acked = now
	}
}

// deleteByPid removes the worker whose pid matches and returns it, or nil if
// the pid doesn't belong to any tracked worker (an adopted grandchild, for
// instance).
func (ws *workers) deleteByPid(pid int) *Worker {
	id, ok := ws.byPid[pid]
	if !ok {
		return nil
	}
	w := ws.byID[id]
	delete(ws.byID, id)
	delete(ws.byPid, pid)
	return w
}

func (ws *workers) ackedCount() int {
	n := 0
	for _, w := range ws.byID {
		if !w.Acked.IsZero() {
			n++
		}
	}
	return n
}

func (ws *workers) notKilledCount() int {
	n := 0
	for _, w := range ws.byID {
		if w.Killed.IsZero() {
			n++
		}
	}
	return n
}

// ackOverdue reports whether any worker was launched longer than timeout ago
// without acking.
func (ws *workers) ackOverdue(now time.Time, timeout time.Duration) bool {
	for _, w := range ws.byID {
		if !w.Launched.IsZero() && w.Acked.IsZero() && now.Sub(w.Launched) > timeout {
			return true
		}
	}
	return false
}
