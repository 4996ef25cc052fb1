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

import "time"

// FakeNow replaces the machine's clock for tests.
func (s *WorkerSet) FakeNow(f func() time.Time) {
	s.now = f
}

// WorkerByID exposes a tracked worker for tests.
func (s *WorkerSet) WorkerByID(id string) *Worker {
	return s.workers.byID[id]
}

// PidIndex exposes a copy of the pid index for tests.
func (s *WorkerSet) PidIndex() map[int]string {
	index := make(map[int]string, len(s.workers.byPid))
	for pid, id := range s.workers.byPid {
		index[pid] = id
	}
	return index
}
