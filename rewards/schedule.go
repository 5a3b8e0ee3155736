package rewards

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/decent-stuff/decent-cloud/config"
	"github.com/decent-stuff/decent-cloud/jsonx"
	"github.com/decent-stuff/decent-cloud/lederr"
)

// Schedule fixes the emission curve: a starting per-cycle reward that
// halves every HalvingEvery distributions until it reaches zero.
type Schedule struct {
	InitialRewardE9s uint64 `toml:"initial_reward_e9s" json:"initial_reward_e9s"`
	HalvingEvery     uint64 `toml:"halving_every" json:"halving_every"`
}

// DefaultSchedule is the built-in emission curve.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialRewardE9s: config.InitialRewardE9s,
		HalvingEvery:     config.RewardHalvingAfterBlocks,
	}
}

// LoadSchedule reads an emission schedule from a TOML or JSON file,
// selected by extension.
func LoadSchedule(path string) (Schedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Schedule{}, lederr.Wrap(lederr.CodeStorageIO, err, "failed to read emission schedule")
	}
	var s Schedule
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = jsonx.Unmarshal(raw, &s)
	default:
		err = toml.Unmarshal(raw, &s)
	}
	if err != nil {
		return Schedule{}, lederr.Wrap(lederr.CodeInvalidPayload, err, "undecodable emission schedule")
	}
	return s, s.validate()
}

func (s Schedule) validate() error {
	if s.InitialRewardE9s == 0 || s.HalvingEvery == 0 {
		return lederr.New(lederr.CodeInvalidPayload, "emission schedule fields must be positive")
	}
	return nil
}

// RewardAt returns the per-cycle emission for the given distribution
// ordinal (zero-based).
func (s Schedule) RewardAt(distribution uint64) uint64 {
	halvings := distribution / s.HalvingEvery
	if halvings >= 64 {
		return 0
	}
	return s.InitialRewardE9s >> halvings
}
