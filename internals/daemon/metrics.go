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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antifuchs/kleinhirn/internals/workerset"
)

// fleetCollector exposes the worker fleet breakdown as prometheus gauges,
// sampling the supervisor's snapshot on every scrape.
type fleetCollector struct {
	reporter FleetReporter

	healthy   *prometheus.Desc
	desired   *prometheus.Desc
	acked     *prometheus.Desc
	launched  *prometheus.Desc
	requested *prometheus.Desc
	phase     *prometheus.Desc
}

func newFleetCollector(reporter FleetReporter) *fleetCollector {
	return &fleetCollector{
		reporter: reporter,
		healthy: prometheus.NewDesc("kleinhirn_healthy",
			"Whether the worker fleet is fully provisioned.", nil, nil),
		desired: prometheus.NewDesc("kleinhirn_workers_desired",
			"Configured number of workers.", nil, nil),
		acked: prometheus.NewDesc("kleinhirn_workers_acked",
			"Workers that finished initializing.", nil, nil),
		launched: prometheus.NewDesc("kleinhirn_workers_launched",
			"Workers running but not yet acked.", nil, nil),
		requested: prometheus.NewDesc("kleinhirn_workers_requested",
			"Workers requested but not yet launched.", nil, nil),
		phase: prometheus.NewDesc("kleinhirn_fleet_phase",
			"Current fleet phase (1 for the active one).", []string{"phase"}, nil),
	}
}

func (fc *fleetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- fc.healthy
	ch <- fc.desired
	ch <- fc.acked
	ch <- fc.launched
	ch <- fc.requested
	ch <- fc.phase
}

func (fc *fleetCollector) Collect(ch chan<- prometheus.Metric) {
	phase, counts := fc.reporter.Snapshot()
	health := fc.reporter.Health()

	healthy := 0.0
	if health.Healthy {
		healthy = 1.0
	}
	ch <- prometheus.MustNewConstMetric(fc.healthy, prometheus.GaugeValue, healthy)
	ch <- prometheus.MustNewConstMetric(fc.desired, prometheus.GaugeValue, float64(counts.Desired))
	ch <- prometheus.MustNewConstMetric(fc.acked, prometheus.GaugeValue, float64(counts.Acked))
	ch <- prometheus.MustNewConstMetric(fc.launched, prometheus.GaugeValue, float64(counts.Launched))
	ch <- prometheus.MustNewConstMetric(fc.requested, prometheus.GaugeValue, float64(counts.Requested))

	for _, p := range []workerset.Phase{
		workerset.PhaseStartup,
		workerset.PhaseRunning,
		workerset.PhaseUnderprovisioned,
		workerset.PhaseFaulted,
	} {
		active := 0.0
		if p == phase {
			active = 1.0
		}
		ch <- prometheus.MustNewConstMetric(fc.phase, prometheus.GaugeValue, active, string(p))
	}
}
