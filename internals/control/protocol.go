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

	"github.com/antifuchs/kleinhirn/internals/logger"
)

// Message actions sent by preloaders and workers. The "action" field
// discriminates; see the individual constants.
const (
	// actionLoading: the preloader is loading the named file.
	actionLoading = "loading"
	// actionReady: the preloader finished loading and accepts spawn requests.
	actionReady = "ready"
	// actionError: the peer could not process what we sent.
	actionError = "error"
	// actionFailed: spawning the identified worker failed.
	actionFailed = "failed"
	// actionLaunched: a worker was forked, with its pid.
	actionLaunched = "launched"
	// actionAck: the identified worker is fully initialized.
	actionAck = "ack"
	// actionLog: a log line to pass through to our logger.
	actionLog = "log"
)

// message is one decoded control-channel frame from a preloader or worker.
type message struct {
	Action  string `json:"action"`
	File    string `json:"file,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	ID      string `json:"id,omitempty"`
	Pid     int    `json:"pid,omitempty"`
	Level   string `json:"level,omitempty"`
	Msg     string `json:"msg,omitempty"`

	// KV holds the free-form key/value pairs of a log frame.
	KV map[string]string `json:"-"`
}

// knownMessageFields are the fields decoded into the struct proper; anything
// else on a frame lands in KV.
var knownMessageFields = map[string]bool{
	"action": true, "file": true, "message": true, "error": true,
	"id": true, "pid": true, "level": true, "msg": true,
}

func (m *message) UnmarshalJSON(data []byte) error {
	type plain message
	if err := json.Unmarshal(data, (*plain)(m)); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, value := range raw {
		if knownMessageFields[key] {
			continue
		}
		var str string
		if err := json.Unmarshal(value, &str); err != nil {
			// Non-string extras are kept in their raw JSON form.
			str = string(value)
		}
		if m.KV == nil {
			m.KV = make(map[string]string)
		}
		m.KV[key] = str
	}
	return nil
}

// spawnRequest asks the preloader to fork one worker and report its
// lifecycle under the given id.
type spawnRequest struct {
	Op string `json:"op"`
	ID string `json:"id"`
}

// logMessage relays a log frame through our logger, fields included.
// Frames at level "debug" go to the debug log; everything else is a notice.
func logMessage(m *message) {
	if m.Level == "debug" {
		logger.DebugKV("preloader: "+m.Msg, m.KV)
	} else {
		logger.NoticeKV("preloader: "+m.Msg, m.KV)
	}
}
