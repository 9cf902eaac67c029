// Package config loads the coordinator configuration from YAML, FT_*
// environment variables and command-line flags, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/ftserver/internal/checkpoint"
	"github.com/dreamware/ftserver/internal/cluster"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FT_"

// Config is passed explicitly to every service at construction.
type Config struct {
	// ServerName identifies this coordinator in logs and /health.
	ServerName string `yaml:"server_name"`

	// ListenAddr is the well-known address the facade is bound to.
	ListenAddr string `yaml:"listen_addr"`

	// Protocol selects the checkpointing strategy: "cic" or "pml".
	Protocol string `yaml:"protocol"`

	// ScanPeriod is the failure detector period.
	ScanPeriod time.Duration `yaml:"scan_period"`

	// ProbeTimeout bounds one liveness probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// FailureThreshold is the number of consecutive missed probes before
	// an entity is handed to recovery. 1 means a single miss.
	FailureThreshold int `yaml:"failure_threshold"`

	// ProbeWorkers bounds the probes in flight during one scan.
	ProbeWorkers int `yaml:"probe_workers"`

	// StoragePath is the SQLite database file. Empty keeps checkpoints in
	// memory only.
	StoragePath string `yaml:"storage_path"`

	// ElasticEndpoint is an optional provider of spare nodes, queried with
	// GET {endpoint}/nodes when the pool runs empty.
	ElasticEndpoint string `yaml:"elastic_endpoint"`

	// SpareNodes is the static spare pool loaded at initialization.
	SpareNodes []cluster.SpareNode `yaml:"spare_nodes"`

	// RecoveryTimeout bounds one recovery job. Zero means no bound.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// MaxRecoveries bounds concurrently running recovery jobs. Zero means
	// no bound.
	MaxRecoveries int `yaml:"max_recoveries"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		ServerName:       "ftserver",
		ListenAddr:       ":8090",
		Protocol:         checkpoint.ProtocolPML,
		ScanPeriod:       5 * time.Second,
		ProbeTimeout:     2 * time.Second,
		FailureThreshold: 1,
		ProbeWorkers:     8,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from FT_* variables found through lookup.
// FT_SPARE_NODES is a comma-separated list of id=addr pairs.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("SERVER_NAME", &c.ServerName)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("PROTOCOL", &c.Protocol)
	dur("SCAN_PERIOD", &c.ScanPeriod)
	dur("PROBE_TIMEOUT", &c.ProbeTimeout)
	num("FAILURE_THRESHOLD", &c.FailureThreshold)
	num("PROBE_WORKERS", &c.ProbeWorkers)
	str("STORAGE_PATH", &c.StoragePath)
	str("ELASTIC_ENDPOINT", &c.ElasticEndpoint)
	dur("RECOVERY_TIMEOUT", &c.RecoveryTimeout)
	num("MAX_RECOVERIES", &c.MaxRecoveries)

	if v, ok := lookup(EnvPrefix + "SPARE_NODES"); ok {
		nodes, err := ParseSpareNodes(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSPARE_NODES: %w", EnvPrefix, err))
		} else {
			c.SpareNodes = nodes
		}
	}
	return errors.Join(errs...)
}

// ParseSpareNodes parses "id=addr,id=addr".
func ParseSpareNodes(s string) ([]cluster.SpareNode, error) {
	var nodes []cluster.SpareNode
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, addr, ok := strings.Cut(part, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid spare node %q, want id=addr", part)
		}
		nodes = append(nodes, cluster.SpareNode{ID: strings.TrimSpace(id), Addr: strings.TrimSpace(addr)})
	}
	return nodes, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	c.Protocol = strings.ToLower(strings.TrimSpace(c.Protocol))
	if c.Protocol != checkpoint.ProtocolCIC && c.Protocol != checkpoint.ProtocolPML {
		errs = append(errs, fmt.Errorf("protocol must be %q or %q, got %q",
			checkpoint.ProtocolCIC, checkpoint.ProtocolPML, c.Protocol))
	}
	if c.ScanPeriod <= 0 {
		errs = append(errs, errors.New("scan_period must be positive"))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("probe_timeout must be positive"))
	}
	if c.FailureThreshold < 1 {
		errs = append(errs, errors.New("failure_threshold must be at least 1"))
	}
	if c.ProbeWorkers < 1 {
		errs = append(errs, errors.New("probe_workers must be at least 1"))
	}
	if c.RecoveryTimeout < 0 {
		errs = append(errs, errors.New("recovery_timeout cannot be negative"))
	}
	if c.MaxRecoveries < 0 {
		errs = append(errs, errors.New("max_recoveries cannot be negative"))
	}
	seen := make(map[string]bool)
	for _, n := range c.SpareNodes {
		if n.ID == "" || n.Addr == "" {
			errs = append(errs, fmt.Errorf("spare node %+v needs an id and an addr", n))
			continue
		}
		if seen[n.ID] {
			errs = append(errs, fmt.Errorf("duplicate spare node %s", n.ID))
		}
		seen[n.ID] = true
	}
	return errors.Join(errs...)
}
