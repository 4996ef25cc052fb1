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
	"fmt"
	"net"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/antifuchs/kleinhirn/internals/control"
	"github.com/antifuchs/kleinhirn/internals/logger"
	"github.com/antifuchs/kleinhirn/internals/wire"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&preloaderSuite{})

type preloaderSuite struct {
	logbuf        fmt.Stringer
	restoreLogger func()
}

func (s *preloaderSuite) SetUpTest(c *C) {
	s.logbuf, s.restoreLogger = logger.MockBackend("")
}

func (s *preloaderSuite) TearDownTest(c *C) {
	s.restoreLogger()
}

// fakePreloader returns a Preloader under test plus the channel playing the
// preloader process's side of the socket pair.
func (s *preloaderSuite) fakePreloader(c *C) (*control.Preloader, *wire.Channel) {
	ours, theirs, err := wire.SocketPair()
	c.Assert(err, IsNil)
	conn, err := net.FileConn(theirs)
	c.Assert(err, IsNil)
	theirs.Close()
	return control.NewTestPreloader(ours, 4711), wire.NewChannel(conn)
}

type frame map[string]any

func (s *preloaderSuite) TestInitialize(c *C) {
	p, peer := s.fakePreloader(c)
	defer p.Close()
	defer peer.Close()

	go func() {
		peer.WriteMessage(frame{"action": "loading", "file": "Gemfile"})
		peer.WriteMessage(frame{"action": "loading", "file": "app.rb"})
		peer.WriteMessage(frame{"action": "log", "level": "info", "msg": "warming caches"})
		peer.WriteMessage(frame{"action": "ready"})
	}()

	c.Assert(p.Initialize(), IsNil)
	c.Assert(p.Pid(), Equals, 4711)
	c.Assert(s.logbuf.String(), Matches, `(?s).*preloader: warming caches.*`)
}

func (s *preloaderSuite) TestInitializeUnexpectedFirstMessage(c *C) {
	p, peer := s.fakePreloader(c)
	defer p.Close()
	defer peer.Close()

	go func() {
		peer.WriteMessage(frame{"action": "ready"})
	}()

	c.Assert(p.Initialize(), ErrorMatches, "preloader failed to load")
}

func (s *preloaderSuite) TestInitializeErrorWhileLoading(c *C) {
	p, peer := s.fakePreloader(c)
	defer p.Close()
	defer peer.Close()

	go func() {
		peer.WriteMessage(frame{"action": "loading", "file": "app.rb"})
		peer.WriteMessage(frame{"action": "error", "message": "cannot parse", "error": "SyntaxError"})
	}()

	c.Assert(p.Initialize(), ErrorMatches, "preloader failed to load")
}

func (s *preloaderSuite) TestInitializePreloaderDies(c *C) {
	p, peer := s.fakePreloader(c)
	defer p.Close()

	go func() {
		peer.WriteMessage(frame{"action": "loading", "file": "app.rb"})
		peer.Close()
	}()

	c.Assert(p.Initialize(), Equals, control.ErrPreloaderDied)
}

func (s *preloaderSuite) TestSpawnWorker(c *C) {
	p, peer := s.fakePreloader(c)
	defer p.Close()
	defer peer.Close()

	type spawn struct {
		Op string `json:"op"`
		ID string `json:"id"`
	}
	read := make(chan spawn, 1)
	go func() {
		var req spawn
		peer.ReadMessage(&req)
		read <- req
	}()

	id, err := p.SpawnWorker()
	c.Assert(err, IsNil)
	c.Assert(id, Not(Equals), "")

	req := <-read
	c.Assert(req.Op, Equals, "spawn")
	c.Assert(req.ID, Equals, id)
}

func (s *preloaderSuite) TestNextEventLaunched(c *C) {
	p, peer := s.fakePreloader(c)
	defer p.Close()
	defer peer.Close()

	go peer.WriteMessage(frame{"action": "launched", "id": "w1", "pid": 99})

	ev, err := p.NextEvent()
	c.Assert(err, IsNil)
	c.Assert(ev, Equals, control.Launched{ID: "w1", Pid: 99})
}

func (s *preloaderSuite) TestNextEventAck(c *C) {
	p, peer := s.fakePreloader(c)
	defer p.Close()
	defer peer.Close()

	go peer.WriteMessage(frame{"action": "ack", "id": "w1"})

	ev, err := p.NextEvent()
	c.Assert(err, IsNil)
	c.Assert(ev, Equals, control.Acked{ID: "w1"})
}

func (s *preloaderSuite) TestNextEventFailed(c *C) {
	p, peer := s.fakePreloader(c)
	defer p.Close()
	defer peer.Close()

	go peer.WriteMessage(frame{"action": "failed", "id": "w1", "message": "out of memory"})

	ev, err := p.NextEvent()
	c.Assert(err, IsNil)
	failed, ok := ev.(control.LaunchFailed)
	c.Assert(ok, Equals, true)
	c.Assert(failed.ID, Equals, "w1")
	c.Assert(failed.Err, ErrorMatches, "preloader failed to launch a child worker: out of memory")
}

func (s *preloaderSuite) TestNextEventSkipsLogs(c *C) {
	p, peer := s.fakePreloader(c)
	defer p.Close()
	defer peer.Close()

	go func() {
		peer.WriteMessage(frame{"action": "log", "level": "debug", "msg": "forked", "worker": "w1"})
		peer.WriteMessage(frame{"action": "ack", "id": "w1"})
	}()

	ev, err := p.NextEvent()
	c.Assert(err, IsNil)
	c.Assert(ev, Equals, control.Acked{ID: "w1"})
}

func (s *preloaderSuite) TestNextEventUnexpectedMessage(c *C) {
	p, peer := s.fakePreloader(c)
	defer p.Close()
	defer peer.Close()

	go peer.WriteMessage(frame{"action": "ready"})

	_, err := p.NextEvent()
	c.Assert(err, FitsTypeOf, &control.ProtocolError{})
	c.Assert(err, ErrorMatches, `control protocol error: unexpected preloader message "ready"`)
}

func (s *preloaderSuite) TestNextEventPreloaderDied(c *C) {
	p, peer := s.fakePreloader(c)
	defer p.Close()

	peer.Close()
	_, err := p.NextEvent()
	c.Assert(err, Equals, control.ErrPreloaderDied)
}
