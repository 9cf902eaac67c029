package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/ftserver/internal/cluster"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8090", cfg.ListenAddr)
	assert.Equal(t, "pml", cfg.Protocol)
	assert.Equal(t, 5*time.Second, cfg.ScanPeriod)
	assert.Equal(t, 1, cfg.FailureThreshold)
	assert.Empty(t, cfg.StoragePath)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ft.yaml")
	writeFile(t, path, `
server_name: ft-test
protocol: CIC
scan_period: 250ms
failure_threshold: 3
storage_path: /var/lib/ft/ft.db
spare_nodes:
  - id: n1
    addr: http://n1:9000
  - id: n2
    addr: http://n2:9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ft-test", cfg.ServerName)
	assert.Equal(t, "cic", cfg.Protocol)
	assert.Equal(t, 250*time.Millisecond, cfg.ScanPeriod)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, "/var/lib/ft/ft.db", cfg.StoragePath)
	assert.Equal(t, []cluster.SpareNode{
		{ID: "n1", Addr: "http://n1:9000"},
		{ID: "n2", Addr: "http://n2:9000"},
	}, cfg.SpareNodes)

	// Unset fields keep their defaults
	assert.Equal(t, ":8090", cfg.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.ProbeTimeout)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "scan_period: [")
	_, err = Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	writeFile(t, invalid, "protocol: gossip\n")
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "protocol")
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ft.yaml")
	writeFile(t, path, "failure_threshold: 3\n")
	t.Setenv("FT_FAILURE_THRESHOLD", "5")
	t.Setenv("FT_LISTEN_ADDR", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, ":9999", cfg.ListenAddr)
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		check   func(t *testing.T, c *Config)
		wantErr bool
	}{
		{
			name: "all fields",
			env: map[string]string{
				"FT_SERVER_NAME":      "a",
				"FT_PROTOCOL":         "cic",
				"FT_SCAN_PERIOD":      "1s",
				"FT_PROBE_TIMEOUT":    "300ms",
				"FT_PROBE_WORKERS":    "2",
				"FT_STORAGE_PATH":     "ft.db",
				"FT_ELASTIC_ENDPOINT": "http://pool:7000",
				"FT_RECOVERY_TIMEOUT": "1m",
				"FT_MAX_RECOVERIES":   "4",
				"FT_SPARE_NODES":      "n1=http://n1:9000, n2=n2:9000",
			},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "a", c.ServerName)
				assert.Equal(t, "cic", c.Protocol)
				assert.Equal(t, time.Second, c.ScanPeriod)
				assert.Equal(t, 300*time.Millisecond, c.ProbeTimeout)
				assert.Equal(t, 2, c.ProbeWorkers)
				assert.Equal(t, "ft.db", c.StoragePath)
				assert.Equal(t, "http://pool:7000", c.ElasticEndpoint)
				assert.Equal(t, time.Minute, c.RecoveryTimeout)
				assert.Equal(t, 4, c.MaxRecoveries)
				assert.Equal(t, []cluster.SpareNode{{ID: "n1", Addr: "http://n1:9000"}, {ID: "n2", Addr: "n2:9000"}}, c.SpareNodes)
			},
		},
		{
			name:    "bad number",
			env:     map[string]string{"FT_FAILURE_THRESHOLD": "many"},
			wantErr: true,
		},
		{
			name:    "bad duration",
			env:     map[string]string{"FT_SCAN_PERIOD": "soon"},
			wantErr: true,
		},
		{
			name:    "bad spare nodes",
			env:     map[string]string{"FT_SPARE_NODES": "n1"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			err := cfg.ApplyEnv(lookupFrom(tt.env))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"unknown protocol", func(c *Config) { c.Protocol = "2pc" }},
		{"zero scan period", func(c *Config) { c.ScanPeriod = 0 }},
		{"zero probe timeout", func(c *Config) { c.ProbeTimeout = 0 }},
		{"zero threshold", func(c *Config) { c.FailureThreshold = 0 }},
		{"zero workers", func(c *Config) { c.ProbeWorkers = 0 }},
		{"negative recovery timeout", func(c *Config) { c.RecoveryTimeout = -time.Second }},
		{"negative max recoveries", func(c *Config) { c.MaxRecoveries = -1 }},
		{"spare node without addr", func(c *Config) { c.SpareNodes = []cluster.SpareNode{{ID: "n1"}} }},
		{"duplicate spare node", func(c *Config) {
			c.SpareNodes = []cluster.SpareNode{{ID: "n1", Addr: "a"}, {ID: "n1", Addr: "b"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseSpareNodes(t *testing.T) {
	nodes, err := ParseSpareNodes("")
	require.NoError(t, err)
	assert.Empty(t, nodes)

	nodes, err = ParseSpareNodes("a=h1:1,,b=h2:2")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	_, err = ParseSpareNodes("=h1")
	assert.Error(t, err)
}

func TestWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ft.yaml")
	writeFile(t, path, "scan_period: 1s\n")

	var mu sync.Mutex
	var got []*Config
	w, err := NewWatcher(path, func(old, updated *Config) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, updated)
	})
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Equal(t, time.Second, w.Current().ScanPeriod)

	writeFile(t, path, "scan_period: 3s\nfailure_threshold: 2\n")
	require.Eventually(t, func() bool {
		return w.Current().ScanPeriod == 3*time.Second
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, w.Current().FailureThreshold)

	mu.Lock()
	assert.NotEmpty(t, got)
	mu.Unlock()

	// An invalid file keeps the previous configuration
	writeFile(t, path, "failure_threshold: 0\n")
	assert.Error(t, w.Reload())
	assert.Equal(t, 2, w.Current().FailureThreshold)
}
