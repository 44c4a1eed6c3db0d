// Package config loads the YAML configuration of a simulated machine and
// watches it for tunable changes.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	kerrors "github.com/orizon-lang/fairsched/internal/errors"
	"github.com/orizon-lang/fairsched/internal/runtime/kernel"
	"github.com/orizon-lang/fairsched/internal/runtime/machine"
)

// Config is the on-disk shape of a run. Zero tunables are filled from the
// kernel defaults for NProc.
type Config struct {
	NProc          int     `yaml:"nproc"`
	NCPU           int     `yaml:"ncpu"`
	BaseLatency    int     `yaml:"base_latency"`
	MinGranularity int     `yaml:"min_granularity"`
	Tick           float64 `yaml:"tick"`
	MaxTicks       uint64  `yaml:"max_ticks"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	StatAddr  string `yaml:"stat_addr"`
	HTTP3Addr string `yaml:"http3_addr"`

	Workloads []machine.Workload `yaml:"workloads"`
}

// Default returns a configuration for a 64-slot table on every usable CPU.
func Default() Config {
	pol := kernel.DefaultPolicy(64)
	return Config{
		NProc:          64,
		NCPU:           DefaultNCPU(),
		BaseLatency:    pol.BaseLatency,
		MinGranularity: pol.MinGranularity,
		Tick:           pol.Tick,
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// Load reads and validates path. Keys absent from the file keep their
// defaults; tunables left at zero follow nproc.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	cfg.BaseLatency, cfg.MinGranularity, cfg.Tick = 0, 0, 0
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.fillTunables()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) fillTunables() {
	def := kernel.DefaultPolicy(c.NProc)
	if c.BaseLatency == 0 {
		c.BaseLatency = def.BaseLatency
	}
	if c.MinGranularity == 0 {
		c.MinGranularity = def.MinGranularity
	}
	if c.Tick == 0 {
		c.Tick = def.Tick
	}
}

// Policy returns the scheduler tunables.
func (c Config) Policy() kernel.Policy {
	return kernel.Policy{BaseLatency: c.BaseLatency, MinGranularity: c.MinGranularity, Tick: c.Tick}
}

// Validate checks sizes, tunables and every workload.
func (c Config) Validate() error {
	if c.NProc < 1 {
		return kerrors.InvalidConfig("nproc", c.NProc, "must be positive")
	}
	if c.NCPU < 1 {
		return kerrors.InvalidConfig("ncpu", c.NCPU, "must be positive")
	}
	if err := c.Policy().Validate(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		return kerrors.InvalidConfig("log_format", c.LogFormat, "want console or json")
	}
	for _, w := range c.Workloads {
		if err := w.Validate(); err != nil {
			return err
		}
	}
	return nil
}
