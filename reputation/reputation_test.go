package reputation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decent-stuff/decent-cloud/config"
	"github.com/decent-stuff/decent-cloud/db"
	"github.com/decent-stuff/decent-cloud/identity"
	"github.com/decent-stuff/decent-cloud/ledger"
	"github.com/decent-stuff/decent-cloud/store"
)

func newTestChain(t *testing.T) *ledger.Ledger {
	t.Helper()
	provider, err := db.NewLevelDBProvider(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })
	l, err := ledger.Open(store.NewBlockStore(provider), nil)
	require.NoError(t, err)
	return l
}

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	signer, err := identity.Generate()
	require.NoError(t, err)
	return &signer.Identity
}

func TestBumpAndScore(t *testing.T) {
	chain := newTestChain(t)
	tr := NewTracker(chain)
	id := newTestIdentity(t)

	require.NoError(t, tr.Bump(id, 500, "registration"))
	assert.Equal(t, uint64(500), tr.ScoreOf(id))

	require.NoError(t, tr.Bump(id, -200, "penalty"))
	assert.Equal(t, uint64(300), tr.ScoreOf(id))

	// Scores never go negative.
	require.NoError(t, tr.Bump(id, -10_000, "penalty"))
	assert.Equal(t, uint64(0), tr.ScoreOf(id))
}

func TestBumpCapsIncrease(t *testing.T) {
	chain := newTestChain(t)
	tr := NewTracker(chain)
	id := newTestIdentity(t)

	require.NoError(t, tr.Bump(id, config.MaxReputationIncreasePerTx*3, "whale"))
	assert.Equal(t, uint64(config.MaxReputationIncreasePerTx), tr.ScoreOf(id))
}

func TestAgeAllDecaysScores(t *testing.T) {
	chain := newTestChain(t)
	tr := NewTracker(chain)
	id := newTestIdentity(t)

	require.NoError(t, tr.Bump(id, 1_000_000, "seed"))
	// 1% per window over two windows.
	require.NoError(t, tr.AgeAll(10_000, 2, nil))

	want := uint64(1_000_000)
	for i := 0; i < 2; i++ {
		want -= want * 10_000 / 1_000_000
	}
	assert.Equal(t, want, tr.ScoreOf(id))
	assert.NotZero(t, tr.LastAgingNs())
}

func TestAgeAllSparesExempt(t *testing.T) {
	chain := newTestChain(t)
	tr := NewTracker(chain)
	active := newTestIdentity(t)
	idle := newTestIdentity(t)

	require.NoError(t, tr.Bump(active, 1_000_000, "seed"))
	require.NoError(t, tr.Bump(idle, 1_000_000, "seed"))
	require.NoError(t, tr.AgeAll(10_000, 1, []string{active.String()}))

	assert.Equal(t, uint64(1_000_000), tr.ScoreOf(active))
	assert.Equal(t, uint64(990_000), tr.ScoreOf(idle))
}

func TestAgeAllDecaysTinyScoresToZero(t *testing.T) {
	chain := newTestChain(t)
	tr := NewTracker(chain)
	id := newTestIdentity(t)

	// The per-window decrement floors at one unit, so dust still drains.
	require.NoError(t, tr.Bump(id, 3, "dust"))
	require.NoError(t, tr.AgeAll(10_000, 5, nil))
	assert.Equal(t, uint64(0), tr.ScoreOf(id))
}

func TestAgeAllClampsWindows(t *testing.T) {
	chain := newTestChain(t)
	tr := NewTracker(chain)
	id := newTestIdentity(t)

	require.NoError(t, tr.Bump(id, 1_000_000, "seed"))
	require.NoError(t, tr.AgeAll(10_000, config.MaxReputationAgingStep*10, nil))

	capped := NewTracker(newTestChain(t))
	capped.applyChangeLocked(id.String(), 1_000_000)
	capped.applyAgingLocked(Aging{FactorPPM: 10_000, Windows: config.MaxReputationAgingStep})
	assert.Equal(t, capped.ScoreOf(id), tr.ScoreOf(id))
}

func TestReplayReproducesScores(t *testing.T) {
	chain := newTestChain(t)
	tr := NewTracker(chain)
	a := newTestIdentity(t)
	b := newTestIdentity(t)

	require.NoError(t, tr.Bump(a, 700, "seed"))
	require.NoError(t, tr.Bump(b, 300, "seed"))
	require.NoError(t, tr.AgeAll(500_000, 1, []string{b.String()}))
	require.NoError(t, tr.Bump(a, -50, "penalty"))
	_, err := chain.Commit()
	require.NoError(t, err)

	fresh := NewTracker(chain)
	require.NoError(t, fresh.Replay())
	assert.Equal(t, tr.Scores(), fresh.Scores())
	assert.Equal(t, tr.LastAgingNs(), fresh.LastAgingNs())
}
