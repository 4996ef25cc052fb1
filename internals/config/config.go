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

// Package config reads and validates the supervisor configuration file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Supervisor Supervisor `yaml:"supervisor"`
	Worker     Worker     `yaml:"worker"`

	// BaseDir is the directory relative paths resolve against; set to the
	// configuration file's directory by Load.
	BaseDir string `yaml:"-"`
}

// Supervisor holds the settings of the supervisor process itself.
type Supervisor struct {
	// Name of the supervised service, used in log prefixes.
	Name string `yaml:"name"`

	// HTTP is the listen address of the health and metrics server.
	// Defaults to 127.0.0.1:3000.
	HTTP string `yaml:"http,omitempty"`
}

// Worker describes the fleet of worker processes to keep alive.
type Worker struct {
	// Count is the desired number of acked workers. Defaults to 1.
	Count int `yaml:"count,omitempty"`

	// AckTimeout faults the fleet if a launched worker doesn't report
	// readiness in time. Nil means no deadline.
	AckTimeout *Duration `yaml:"ack-timeout,omitempty"`

	// Exactly one of the following selects how workers are started.
	Program *Program `yaml:"program,omitempty"`
	Ruby    *Ruby    `yaml:"ruby,omitempty"`
}

// Program configures the plain fork+exec worker kind. The command line is
// executed as given, without shell expansion or variable substitution.
type Program struct {
	Cmdline []string          `yaml:"cmdline"`
	Env     map[string]string `yaml:"env,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty"`

	// AckWorkers gives each worker a control socket and waits for its
	// ready message; without it a worker counts as ready once executed.
	AckWorkers bool `yaml:"ack-workers,omitempty"`
}

// Name returns the human-readable rendering of the command line.
func (p *Program) Name() string {
	return strings.Join(p.Cmdline, " ")
}

// Ruby configures the preloading worker kind for bundled Ruby programs. The
// bundle must include the kleinhirn-loader gem, which is launched as
//
//	bundle exec --gemfile=<gemfile> --keep-file-descriptors -- \
//	    kleinhirn-loader --status-fd <n> -e <start-expression> -r <load>
type Ruby struct {
	// Gemfile locates the bundle.
	Gemfile string `yaml:"gemfile"`

	// Load is a ruby file the preloader loads once, up front.
	Load string `yaml:"load"`

	// StartExpression is evaluated by each forked worker to start serving.
	StartExpression string `yaml:"start-expression"`
}

const defaultHTTPAddress = "127.0.0.1:3000"

// Load reads the configuration from path, applies defaults, and validates.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open configuration file: %w", err)
	}
	defer f.Close()
	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("cannot parse configuration file %q: %w", path, err)
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	cfg.BaseDir = base
	return cfg, nil
}

// Read parses and validates a configuration document.
func Read(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.Supervisor.Name == "" {
		return nil, fmt.Errorf("supervisor name must be set")
	}
	if cfg.Supervisor.HTTP == "" {
		cfg.Supervisor.HTTP = defaultHTTPAddress
	}
	if cfg.Worker.Count == 0 {
		cfg.Worker.Count = 1
	}
	if cfg.Worker.Count < 0 {
		return nil, fmt.Errorf("worker count must be positive, not %d", cfg.Worker.Count)
	}
	switch {
	case cfg.Worker.Program != nil && cfg.Worker.Ruby != nil:
		return nil, fmt.Errorf(`worker must have exactly one of "program" or "ruby", not both`)
	case cfg.Worker.Program != nil:
		if len(cfg.Worker.Program.Cmdline) == 0 {
			return nil, fmt.Errorf("program cmdline must not be empty")
		}
	case cfg.Worker.Ruby != nil:
		rb := cfg.Worker.Ruby
		if rb.Gemfile == "" || rb.Load == "" || rb.StartExpression == "" {
			return nil, fmt.Errorf("ruby worker needs gemfile, load and start-expression")
		}
	default:
		return nil, fmt.Errorf(`worker must have one of "program" or "ruby"`)
	}
	return &cfg, nil
}

// CanonicalPath resolves a possibly-relative configured path against the
// configuration file's directory.
func (c *Config) CanonicalPath(path string) string {
	if filepath.IsAbs(path) || c.BaseDir == "" {
		return path
	}
	return filepath.Join(c.BaseDir, path)
}
