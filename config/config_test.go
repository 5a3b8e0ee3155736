package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadShippedGenesisConfig(t *testing.T) {
	cfg, err := LoadGenesisConfig("genesis.yml")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.SelfNode.ListenAddr)
	assert.Equal(t, "data/ledger", cfg.Ledger.DataDir)
	assert.Equal(t, "data/archive", cfg.Ledger.ArchiveDir)
	assert.NotZero(t, cfg.Ledger.RetainBlocks)
	assert.NotZero(t, cfg.Rewards.IntervalSecs)
	assert.Empty(t, cfg.Accounts)
}

func TestLoadGenesisConfigFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genesis.yml")
	require.NoError(t, os.WriteFile(path, []byte("config:\n  self_node:\n    listen_addr: \"0.0.0.0:9000\"\n"), 0o644))

	cfg, err := LoadGenesisConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultRetainBlocks, cfg.Ledger.RetainBlocks)
	assert.Equal(t, BlockIntervalSecs, cfg.Rewards.IntervalSecs)
}

func TestApplyOverrides(t *testing.T) {
	cfg := &GenesisConfig{}
	cfg.SelfNode.ListenAddr = "127.0.0.1:8080"
	cfg.Ledger.RetainBlocks = DefaultRetainBlocks

	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte("[node]\nlisten_addr = 10.0.0.1:8081\n[ledger]\nretain_blocks = 500\n"), 0o644))

	require.NoError(t, ApplyOverrides(cfg, path))
	assert.Equal(t, "10.0.0.1:8081", cfg.SelfNode.ListenAddr)
	assert.Equal(t, uint64(500), cfg.Ledger.RetainBlocks)

	// A missing overrides file is not an error.
	require.NoError(t, ApplyOverrides(cfg, filepath.Join(t.TempDir(), "absent.ini")))
	assert.Equal(t, "10.0.0.1:8081", cfg.SelfNode.ListenAddr)
}

func TestPrivKeyRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "node.key")
	require.NoError(t, SaveEd25519PrivKey(path, priv))

	loaded, err := LoadEd25519PrivKey(path)
	require.NoError(t, err)
	assert.Equal(t, priv, loaded)
}
