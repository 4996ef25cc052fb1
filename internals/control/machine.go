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
	"github.com/antifuchs/kleinhirn/internals/logger"
)

// preloaderPhase tracks the preloader's startup progression. Log frames
// never reach this machine; they are absorbed by nextMessage.
type preloaderPhase int

const (
	preloaderStarting preloaderPhase = iota
	preloaderLoading
	preloaderReady
	preloaderFailed
)

// onMessage advances the startup machine by one preloader message.
func (phase preloaderPhase) onMessage(m *message) preloaderPhase {
	switch phase {
	case preloaderStarting:
		if m.Action == actionLoading {
			logger.Debugf("Preloader loading %q.", m.File)
			return preloaderLoading
		}
		return preloaderFailed

	case preloaderLoading:
		switch m.Action {
		case actionLoading:
			logger.Debugf("Preloader loading %q.", m.File)
			return preloaderLoading
		case actionReady:
			logger.Debugf("Preloader is ready.")
			return preloaderReady
		case actionError:
			logger.Noticef("Communication error with the preloader (this is a bug): %s (%s)", m.Message, m.Error)
			return preloaderFailed
		case actionFailed:
			logger.Noticef("Preloader command %q failed: %s", m.ID, m.Message)
			return preloaderFailed
		}
		// Anything else during loading is out of order but harmless.
		return preloaderLoading
	}
	return phase
}
