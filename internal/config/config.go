// Package config handles loading and parsing cluster.toml configuration
// files.
package config

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/mwheeler-geo/parsim/internal/fsys"
)

// Config is the top-level configuration for one cluster profile.
type Config struct {
	Cluster  Cluster                  `toml:"cluster"`
	Problem  Problem                  `toml:"problem"`
	Schedule map[string]ScheduleEntry `toml:"schedule"`
}

// Cluster holds connection and fleet settings.
type Cluster struct {
	// Profile names the connection profile; it labels events and the
	// profile directory.
	Profile string `toml:"profile,omitempty"`

	// Workers is the fleet size.
	Workers int `toml:"workers"`

	// MPI requests the collective transport. Nil means true; the
	// environment probe still decides actual use.
	MPI *bool `toml:"mpi,omitempty"`

	// NThreads is the per-worker linear-algebra thread count.
	// Zero means 1.
	NThreads int `toml:"nthreads,omitempty"`

	// Endpoint overrides the worker namespace entry for the endpoint.
	Endpoint string `toml:"endpoint,omitempty"`
}

// Problem holds the scheduling parameters of the overarching problem.
type Problem struct {
	// NSrc is the total number of sources.
	NSrc int `toml:"nsrc"`

	// Freqs lists the subproblem frequencies; tag (i, 0) is built for
	// frequency i.
	Freqs []float64 `toml:"freqs,omitempty"`

	// ChunksPerWorker sets compute chunks per hosting worker per tag.
	// Zero means 1.
	ChunksPerWorker int `toml:"chunks_per_worker,omitempty"`

	// EnsembleClear selects the ensemble clear policy.
	EnsembleClear bool `toml:"ensemble_clear,omitempty"`
}

// ScheduleEntry is one named scheduled operation.
type ScheduleEntry struct {
	Solve  string   `toml:"solve"`
	Clear  string   `toml:"clear"`
	Reduce []string `toml:"reduce,omitempty"`
}

// Default returns a runnable starter configuration for the given
// profile name.
func Default(profile string) *Config {
	return &Config{
		Cluster: Cluster{
			Profile:  profile,
			Workers:  2,
			NThreads: 1,
		},
		Problem: Problem{
			NSrc:  8,
			Freqs: []float64{5.0, 10.0},
		},
		Schedule: map[string]ScheduleEntry{
			"forward": {
				Solve:  "forward",
				Clear:  "release",
				Reduce: []string{"u"},
			},
		},
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Cluster.Workers < 1 {
		return fmt.Errorf("config: cluster.workers = %d, want >= 1", c.Cluster.Workers)
	}
	if c.Cluster.NThreads < 0 {
		return fmt.Errorf("config: cluster.nthreads = %d, want >= 0", c.Cluster.NThreads)
	}
	if c.Problem.NSrc < 1 {
		return fmt.Errorf("config: problem.nsrc = %d, want >= 1", c.Problem.NSrc)
	}
	if c.Problem.ChunksPerWorker < 0 {
		return fmt.Errorf("config: problem.chunks_per_worker = %d, want >= 0", c.Problem.ChunksPerWorker)
	}
	if len(c.Schedule) == 0 {
		return fmt.Errorf("config: no schedule entries")
	}
	for name, entry := range c.Schedule {
		if entry.Solve == "" {
			return fmt.Errorf("config: schedule.%s: missing solve key", name)
		}
		if entry.Clear == "" {
			return fmt.Errorf("config: schedule.%s: missing clear key", name)
		}
	}
	return nil
}

// Marshal encodes the config to TOML bytes.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return buf.Bytes(), nil
}

// Load reads and parses a cluster.toml file at the given path using the
// provided filesystem. All file I/O goes through fs for testability.
func Load(fs fsys.FS, path string) (*Config, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes TOML data into a Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}
