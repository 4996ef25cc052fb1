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
	"encoding/json"

	. "gopkg.in/check.v1"

	"github.com/antifuchs/kleinhirn/internals/logger"
)

var _ = Suite(&protocolSuite{})

type protocolSuite struct{}

func (s *protocolSuite) TestUnmarshalKnownFields(c *C) {
	var m message
	err := json.Unmarshal([]byte(`{"action":"launched","id":"w1","pid":42}`), &m)
	c.Assert(err, IsNil)
	c.Assert(m.Action, Equals, "launched")
	c.Assert(m.ID, Equals, "w1")
	c.Assert(m.Pid, Equals, 42)
	c.Assert(m.KV, IsNil)
}

func (s *protocolSuite) TestUnmarshalLogExtras(c *C) {
	var m message
	err := json.Unmarshal([]byte(`{"action":"log","level":"info","msg":"forked","worker":"w1","attempt":3}`), &m)
	c.Assert(err, IsNil)
	c.Assert(m.Action, Equals, "log")
	c.Assert(m.Level, Equals, "info")
	c.Assert(m.Msg, Equals, "forked")
	c.Assert(m.KV, DeepEquals, map[string]string{
		"worker":  "w1",
		"attempt": "3",
	})
}

func (s *protocolSuite) TestLogMessageRendersKV(c *C) {
	logbuf, restore := logger.MockBackend("")
	defer restore()

	logMessage(&message{
		Action: actionLog,
		Level:  "info",
		Msg:    "worker starting",
		KV:     map[string]string{"worker": "w1", "gem": "rails"},
	})
	c.Assert(logbuf.String(), Matches, `(?s).*preloader: worker starting gem="rails" worker="w1".*`)
}

func (s *protocolSuite) TestLogMessageDebugLevel(c *C) {
	logbuf, restore := logger.MockBackend("")
	defer restore()

	// Debug passthrough is invisible unless debug logging is on.
	logMessage(&message{Action: actionLog, Level: "debug", Msg: "quiet"})
	c.Assert(logbuf.String(), Equals, "")
}
