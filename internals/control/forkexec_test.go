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

package control_test

import (
	"os"
	"path/filepath"
	"time"

	. "gopkg.in/check.v1"

	"github.com/antifuchs/kleinhirn/internals/config"
	"github.com/antifuchs/kleinhirn/internals/control"
)

var _ = Suite(&forkExecSuite{})

type forkExecSuite struct{}

func (s *forkExecSuite) nextEvent(c *C, f *control.ForkExec) control.Event {
	type result struct {
		ev  control.Event
		err error
	}
	results := make(chan result, 1)
	go func() {
		ev, err := f.NextEvent()
		results <- result{ev, err}
	}()
	select {
	case r := <-results:
		c.Assert(r.err, IsNil)
		return r.ev
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for controller event")
	}
	return nil
}

func (s *forkExecSuite) TestSpawnWithoutAcks(c *C) {
	f := control.NewForkExec(&config.Program{
		Cmdline: []string{"/bin/sh", "-c", "exit 0"},
	})
	c.Assert(f.Initialize(), IsNil)

	id, err := f.SpawnWorker()
	c.Assert(err, IsNil)
	c.Assert(id, Not(Equals), "")

	launched, ok := s.nextEvent(c, f).(control.Launched)
	c.Assert(ok, Equals, true)
	c.Assert(launched.ID, Equals, id)
	c.Assert(launched.Pid > 0, Equals, true)

	// Without acks, ready is assumed on exec.
	acked, ok := s.nextEvent(c, f).(control.Acked)
	c.Assert(ok, Equals, true)
	c.Assert(acked.ID, Equals, id)
}

func (s *forkExecSuite) TestSpawnWithAcks(c *C) {
	f := control.NewForkExec(&config.Program{
		Cmdline: []string{"/bin/sh", "-c",
			`printf '{"action":"ack","id":"%s"}\n' "$KLEINHIRN_WORKER_ID" >&3`},
		AckWorkers: true,
	})

	id, err := f.SpawnWorker()
	c.Assert(err, IsNil)

	launched, ok := s.nextEvent(c, f).(control.Launched)
	c.Assert(ok, Equals, true)
	c.Assert(launched.ID, Equals, id)

	acked, ok := s.nextEvent(c, f).(control.Acked)
	c.Assert(ok, Equals, true)
	c.Assert(acked.ID, Equals, id)
}

func (s *forkExecSuite) TestAckIDMismatch(c *C) {
	f := control.NewForkExec(&config.Program{
		Cmdline: []string{"/bin/sh", "-c",
			`printf '{"action":"ack","id":"someone-else"}\n' >&3`},
		AckWorkers: true,
	})

	_, err := f.SpawnWorker()
	c.Assert(err, ErrorMatches, `control protocol error: received ack for id "someone-else".*`)
}

func (s *forkExecSuite) TestWorkerDiesBeforeAck(c *C) {
	f := control.NewForkExec(&config.Program{
		Cmdline:    []string{"/bin/sh", "-c", "exit 1"},
		AckWorkers: true,
	})

	_, err := f.SpawnWorker()
	c.Assert(err, Equals, control.ErrWorkerDied)
}

func (s *forkExecSuite) TestSpawnFailure(c *C) {
	f := control.NewForkExec(&config.Program{
		Cmdline: []string{"/does/not/exist"},
	})

	_, err := f.SpawnWorker()
	c.Assert(err, ErrorMatches, "cannot spawn worker: .*")
}

func (s *forkExecSuite) TestWorkerEnvironment(c *C) {
	dir := c.MkDir()
	out := filepath.Join(dir, "env.out")
	f := control.NewForkExec(&config.Program{
		Cmdline: []string{"/bin/sh", "-c",
			`echo "$KLEINHIRN_WORKER_ID $KLEINHIRN_NAME $EXTRA" > ` + out},
		Env: map[string]string{"EXTRA": "extra-value"},
		Cwd: dir,
	})

	id, err := f.SpawnWorker()
	c.Assert(err, IsNil)

	var data []byte
	for i := 0; i < 100; i++ {
		data, _ = os.ReadFile(out)
		if len(data) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	c.Assert(string(data), Equals, id+" /bin/sh -c "+
		`echo "$KLEINHIRN_WORKER_ID $KLEINHIRN_NAME $EXTRA" > `+out+" extra-value\n")
}
