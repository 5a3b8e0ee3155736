package rewards

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decent-stuff/decent-cloud/config"
	"github.com/decent-stuff/decent-cloud/lederr"
)

func TestRewardHalves(t *testing.T) {
	s := Schedule{InitialRewardE9s: 50 * config.TokenDecimalsDiv, HalvingEvery: 210_000}

	assert.Equal(t, 50*config.TokenDecimalsDiv, s.RewardAt(0))
	assert.Equal(t, 50*config.TokenDecimalsDiv, s.RewardAt(209_999))
	assert.Equal(t, 25*config.TokenDecimalsDiv, s.RewardAt(210_000))
	assert.Equal(t, uint64(12_500_000_000), s.RewardAt(420_000))
}

func TestRewardReachesZero(t *testing.T) {
	s := Schedule{InitialRewardE9s: 50 * config.TokenDecimalsDiv, HalvingEvery: 1}

	// Shifted below one unit the reward is gone for good.
	assert.Equal(t, uint64(0), s.RewardAt(40))
	assert.Equal(t, uint64(0), s.RewardAt(64))
	assert.Equal(t, uint64(0), s.RewardAt(1<<40))
}

func TestLoadScheduleTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emission.toml")
	require.NoError(t, os.WriteFile(path, []byte("initial_reward_e9s = 1000\nhalving_every = 10\n"), 0o644))

	s, err := LoadSchedule(path)
	require.NoError(t, err)
	assert.Equal(t, Schedule{InitialRewardE9s: 1000, HalvingEvery: 10}, s)
}

func TestLoadScheduleJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emission.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"initial_reward_e9s":1000,"halving_every":10}`), 0o644))

	s, err := LoadSchedule(path)
	require.NoError(t, err)
	assert.Equal(t, Schedule{InitialRewardE9s: 1000, HalvingEvery: 10}, s)
}

func TestLoadScheduleRejectsZeroFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emission.toml")
	require.NoError(t, os.WriteFile(path, []byte("initial_reward_e9s = 0\nhalving_every = 10\n"), 0o644))

	_, err := LoadSchedule(path)
	assert.Equal(t, lederr.CodeInvalidPayload, lederr.CodeOf(err))
}
