package config

// NodeConfig represents a node's configuration
type NodeConfig struct {
	PubKey      string `yaml:"pubkey"`
	PrivKeyPath string `yaml:"privkey_path"`
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// LedgerConfig controls the ledger store and its archive.
type LedgerConfig struct {
	DataDir      string `yaml:"data_dir"`
	ArchiveDir   string `yaml:"archive_dir"`
	RetainBlocks uint64 `yaml:"retain_blocks"`
}

// RewardConfig controls the reward engine cadence and split policy.
type RewardConfig struct {
	// IntervalSecs overrides BlockIntervalSecs when non-zero.
	IntervalSecs uint64 `yaml:"interval_secs"`
	// Split selects the split strategy: "equal" or "reputation".
	Split string `yaml:"split"`
	// SchedulePath optionally points to a TOML or JSON emission schedule
	// overriding the built-in halving curve.
	SchedulePath string `yaml:"schedule_path"`
}

// GenesisAccount funds an account in block zero.
type GenesisAccount struct {
	Account string `yaml:"account"`
	Amount  uint64 `yaml:"amount_e9s"`
}

// GenesisConfig holds the configuration from genesis.yml
type GenesisConfig struct {
	SelfNode NodeConfig       `yaml:"self_node"`
	Ledger   LedgerConfig     `yaml:"ledger"`
	Rewards  RewardConfig     `yaml:"rewards"`
	Accounts []GenesisAccount `yaml:"accounts"`
}

// ConfigFile is the top-level structure for genesis.yml
type ConfigFile struct {
	Config GenesisConfig `yaml:"config"`
}
