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

// Package daemon serves the supervisor's health and metrics endpoints.
package daemon

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/tomb.v2"

	"github.com/antifuchs/kleinhirn/internals/logger"
	"github.com/antifuchs/kleinhirn/internals/workerset"
)

// FleetReporter is the read-only view of the worker fleet the endpoints
// serve from. The supervisor implements it.
type FleetReporter interface {
	Health() workerset.Health
	Snapshot() (workerset.Phase, workerset.Counts)
}

// A Daemon listens for requests and routes them to the right endpoint.
type Daemon struct {
	addr     string
	reporter FleetReporter

	listener net.Listener
	serve    *http.Server
	router   *mux.Router
	tomb     tomb.Tomb
}

// New prepares a daemon serving the given fleet view on addr.
func New(addr string, reporter FleetReporter) *Daemon {
	d := &Daemon{
		addr:     addr,
		reporter: reporter,
	}
	d.router = mux.NewRouter()
	d.router.HandleFunc("/v1/health", d.serveHealth).Methods("GET")
	d.router.Handle("/metrics", promhttp.HandlerFor(d.registry(), promhttp.HandlerOpts{})).Methods("GET")
	d.router.NotFoundHandler = http.HandlerFunc(serveNotFound)
	d.serve = &http.Server{
		Handler:           d.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return d
}

// Start begins listening and serving requests.
func (d *Daemon) Start() error {
	listener, err := net.Listen("tcp", d.addr)
	if err != nil {
		return err
	}
	d.listener = listener
	logger.Noticef("Health endpoint listening on %s.", listener.Addr())
	d.tomb.Go(func() error {
		err := d.serve.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

// Stop shuts the server down.
func (d *Daemon) Stop() error {
	d.tomb.Kill(nil)
	d.serve.Close()
	return d.tomb.Wait()
}

// Addr returns the address the daemon is listening on. Only valid after
// Start.
func (d *Daemon) Addr() string {
	return d.listener.Addr().String()
}

// Dying returns a channel closed when the server is about to exit, which in
// normal operation signals a fatal bug.
func (d *Daemon) Dying() <-chan struct{} {
	return d.tomb.Dying()
}

// registry builds the prometheus registry with the fleet collector.
func (d *Daemon) registry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(newFleetCollector(d.reporter))
	return registry
}
