package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1357, cfg.TCPPort)
	assert.Equal(t, "sqlite", cfg.Engine)
	assert.Equal(t, "fair", cfg.Lock)
	assert.Equal(t, uint64(DefaultMaxContentSize), cfg.MaxContentSize)
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var tc TOMLConfig

	cfg, err := tc.ToServerConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestToServerConfigMapsSections(t *testing.T) {
	tc := DefaultTOMLConfig()
	tc.Server.TCPPort = 4000
	tc.Server.HTTPPort = 4001
	tc.Server.IdleTimeoutSeconds = 30
	tc.Storage.Engine = "badger"
	tc.Storage.Path = "/tmp/relay"
	tc.Storage.Lock = "native"
	tc.Storage.MaxContentSize = 1 << 20
	tc.Storage.MessageBatchBytes = 1 << 16
	tc.Transfer.ChunkSize = 4096
	tc.Log.Level = "DEBUG"

	cfg, err := tc.ToServerConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4000, cfg.TCPPort)
	assert.Equal(t, 4001, cfg.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout)
	assert.Equal(t, "badger", cfg.Engine)
	assert.Equal(t, "/tmp/relay", cfg.DBPath)
	assert.Equal(t, "native", cfg.Lock)
	assert.Equal(t, uint64(1<<20), cfg.MaxContentSize)
	assert.Equal(t, uint64(1<<16), cfg.MessageBatchBytes)
	assert.Equal(t, 4096, cfg.ChunkSize)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]func(*ServerConfig){
		"engine":           func(c *ServerConfig) { c.Engine = "postgres" },
		"lock":             func(c *ServerConfig) { c.Lock = "spin" },
		"port":             func(c *ServerConfig) { c.TCPPort = 70000 },
		"page size":        func(c *ServerConfig) { c.ClientPageSize = 0 },
		"chunk size":       func(c *ServerConfig) { c.ChunkSize = 0 },
		"log level":        func(c *ServerConfig) { c.LogLevel = "verbose" },
		"empty path":       func(c *ServerConfig) { c.DBPath = "" },
		"no content limit": func(c *ServerConfig) { c.MaxContentSize = 0 },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMemoryEngineNeedsNoPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine = "memory"
	cfg.DBPath = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "server.toml")

	tc, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), tc)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config should be written")

	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, tc, again)
}

func TestLoadConfigParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_port = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestPortFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "myport.info")
	require.NoError(t, os.WriteFile(good, []byte("8123\n"), 0644))
	bad := filepath.Join(dir, "bad.info")
	require.NoError(t, os.WriteFile(bad, []byte("not a port"), 0644))

	tc := DefaultTOMLConfig()
	tc.Server.PortFile = good
	cfg, err := tc.ToServerConfig()
	require.NoError(t, err)
	assert.Equal(t, 8123, cfg.TCPPort)

	tc.Server.PortFile = bad
	_, err = tc.ToServerConfig()
	assert.ErrorIs(t, err, ErrPortFile)

	tc.Server.PortFile = filepath.Join(dir, "missing.info")
	_, err = tc.ToServerConfig()
	assert.ErrorIs(t, err, ErrPortFile)
}
