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

// Kleinhirn is a prefork process supervisor: it keeps a configured fleet of
// worker processes alive, optionally preloading application code so workers
// fork pre-warmed.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/canonical/go-flags"

	"github.com/antifuchs/kleinhirn/internals/config"
	"github.com/antifuchs/kleinhirn/internals/control"
	"github.com/antifuchs/kleinhirn/internals/daemon"
	"github.com/antifuchs/kleinhirn/internals/logger"
	"github.com/antifuchs/kleinhirn/internals/reaper"
	"github.com/antifuchs/kleinhirn/internals/supervisor"
	"github.com/antifuchs/kleinhirn/internals/workerset"
)

// Version is set at build time via -ldflags.
var Version = "unknown"

// Standard streams, redirected for testing.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

type options struct {
	ConfigFile string `short:"f" long:"config-file" default:"./kleinhirn.yaml" description:"Path to the configuration file to use for the service"`
	HTTP       string `long:"http" description:"Override the health endpoint listen address"`
	Verbose    bool   `short:"v" long:"verbose" description:"Log debug information to stderr"`
	Version    bool   `long:"version" description:"Print the version and exit"`
}

func main() {
	err := run(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(Stdout, flagsErr.Message)
			return
		}
		fmt.Fprintf(Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	_, err := parser.ParseArgs(args)
	if err != nil {
		return err
	}
	if opts.Version {
		fmt.Fprintln(Stdout, Version)
		return nil
	}
	if opts.Verbose {
		logger.SetDebug(true)
	}
	logger.SetBackend(logger.NewBackend(Stderr, ""))

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return err
	}
	if opts.HTTP != "" {
		cfg.Supervisor.HTTP = opts.HTTP
	}
	logger.SetBackend(logger.NewBackend(Stderr, "["+cfg.Supervisor.Name+"] "))
	logger.Noticef("Starting up.")

	// Become a subreaper before any child exists, so no exit can slip by.
	err = reaper.Start()
	if err != nil {
		return err
	}

	controller, err := buildController(cfg)
	if err != nil {
		return err
	}
	err = controller.Initialize()
	if err != nil {
		return err
	}

	sup := supervisor.New(workerset.Config{
		Count:      cfg.Worker.Count,
		AckTimeout: cfg.Worker.AckTimeout.Std(),
	}, controller, reaper.Reaps())

	d := daemon.New(cfg.Supervisor.HTTP, sup)
	err = d.Start()
	if err != nil {
		return err
	}

	sup.Start()

	// Neither of these ever finishes in a correctly working supervisor.
	select {
	case <-sup.Dying():
		logger.Panicf("Supervise loop terminated; this should never happen.")
	case <-d.Dying():
		logger.Panicf("Health endpoint terminated; this should never happen.")
	}
	return nil
}

func buildController(cfg *config.Config) (control.Controller, error) {
	switch {
	case cfg.Worker.Program != nil:
		logger.Noticef("Starting fork/exec program %q.", cfg.Worker.Program.Name())
		return control.NewForkExec(cfg.Worker.Program), nil
	case cfg.Worker.Ruby != nil:
		rb := cfg.Worker.Ruby
		gemfile := cfg.CanonicalPath(rb.Gemfile)
		load := cfg.CanonicalPath(rb.Load)
		logger.Noticef("Preloading ruby code from %q (gemfile %q).", load, gemfile)
		return control.NewRubyPreloader(gemfile, load, rb.StartExpression)
	}
	// Config validation rules this out.
	return nil, fmt.Errorf("internal error: no worker kind configured")
}
