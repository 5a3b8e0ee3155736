package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/decent-stuff/decent-cloud/logx"
)

// LoadGenesisConfig reads and parses the genesis.yml file
func LoadGenesisConfig(path string) (*GenesisConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer file.Close()

	var cfgFile ConfigFile
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfgFile); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	cfg := cfgFile.Config
	if cfg.Ledger.RetainBlocks == 0 {
		cfg.Ledger.RetainBlocks = DefaultRetainBlocks
	}
	if cfg.Rewards.IntervalSecs == 0 {
		cfg.Rewards.IntervalSecs = BlockIntervalSecs
	}
	logx.Info("CONFIG", fmt.Sprintf("loaded config: node=%s ledger=%s retain=%d", cfg.SelfNode.PubKey, cfg.Ledger.DataDir, cfg.Ledger.RetainBlocks))
	return &cfg, nil
}

// ApplyOverrides merges an optional INI overrides file (node section) into
// an already loaded config. Missing file is not an error.
func ApplyOverrides(cfg *GenesisConfig, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load overrides %s: %w", path, err)
	}
	sec := f.Section("node")
	if v := sec.Key("listen_addr").String(); v != "" {
		cfg.SelfNode.ListenAddr = v
	}
	if v := sec.Key("metrics_addr").String(); v != "" {
		cfg.SelfNode.MetricsAddr = v
	}
	sec = f.Section("ledger")
	if v, err := sec.Key("retain_blocks").Uint64(); err == nil && v > 0 {
		cfg.Ledger.RetainBlocks = v
	}
	return nil
}

// LoadEd25519PrivKey loads an Ed25519 private key from a file (expects hex encoding)
func LoadEd25519PrivKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, err
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key length %d in %s", len(key), path)
	}
	return ed25519.PrivateKey(key), nil
}

// SaveEd25519PrivKey writes a hex-encoded private key with owner-only access.
func SaveEd25519PrivKey(path string, key ed25519.PrivateKey) error {
	return os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600)
}
