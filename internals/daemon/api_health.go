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

package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/canonical/x-go/strutil"

	"github.com/antifuchs/kleinhirn/internals/logger"
)

type healthInfo struct {
	Healthy bool   `json:"healthy"`
	Phase   string `json:"phase"`
	Reason  string `json:"reason,omitempty"`
}

// serveHealth reports the fleet's health projection. Anything but Running
// answers 502 so load balancers and orchestrators take the instance out of
// rotation. A "phases" query parameter (comma-separated) widens the healthy
// set, e.g. ?phases=running,underprovisioned keeps a degraded-but-serving
// fleet in rotation.
func (d *Daemon) serveHealth(w http.ResponseWriter, r *http.Request) {
	health := d.reporter.Health()
	phase, _ := d.reporter.Snapshot()

	healthy := health.Healthy
	if phases := strutil.MultiCommaSeparatedList(r.URL.Query()["phases"]); len(phases) > 0 {
		healthy = strutil.ListContains(phases, string(phase))
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusBadGateway
	}
	reason := ""
	if !healthy {
		reason = health.Reason
	}
	writeResponse(w, status, healthInfo{
		Healthy: healthy,
		Phase:   string(phase),
		Reason:  reason,
	})
}

// resp is the envelope every endpoint answers with.
type resp struct {
	Type       string `json:"type"`
	Status     int    `json:"status-code"`
	StatusText string `json:"status,omitempty"`
	Result     any    `json:"result,omitempty"`
}

type errorResult struct {
	Message string `json:"message"`
}

func writeResponse(w http.ResponseWriter, status int, result any) {
	kind := "sync"
	if status >= 400 {
		if _, ok := result.(*errorResult); ok {
			kind = "error"
		}
	}
	body := resp{
		Type:       kind,
		Status:     status,
		StatusText: http.StatusText(status),
		Result:     result,
	}
	bs, err := json.Marshal(body)
	if err != nil {
		logger.Noticef("Cannot marshal %#v to JSON: %v", body, err)
		status = http.StatusInternalServerError
		bs = nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(bs)
}

func serveNotFound(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, http.StatusNotFound, &errorResult{Message: "not found"})
}
