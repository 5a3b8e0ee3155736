package rewards

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decent-stuff/decent-cloud/config"
	"github.com/decent-stuff/decent-cloud/db"
	"github.com/decent-stuff/decent-cloud/identity"
	"github.com/decent-stuff/decent-cloud/ledger"
	"github.com/decent-stuff/decent-cloud/lederr"
	"github.com/decent-stuff/decent-cloud/registry"
	"github.com/decent-stuff/decent-cloud/reputation"
	"github.com/decent-stuff/decent-cloud/store"
	"github.com/decent-stuff/decent-cloud/token"
)

type testStack struct {
	chain *ledger.Ledger
	tok   *token.Ledger
	rep   *reputation.Tracker
	reg   *registry.Registry
	eng   *Engine
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	provider, err := db.NewLevelDBProvider(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })
	chain, err := ledger.Open(store.NewBlockStore(provider), nil)
	require.NoError(t, err)

	tok := token.NewLedger(chain)
	rep := reputation.NewTracker(chain)
	reg := registry.New(chain, tok, rep)
	schedule := Schedule{InitialRewardE9s: 1000, HalvingEvery: 2}
	eng := NewEngine(chain, tok, rep, reg, schedule, EqualSplit{}, time.Hour)
	return &testStack{chain: chain, tok: tok, rep: rep, reg: reg, eng: eng}
}

func (s *testStack) registerProvider(t *testing.T) *identity.Signer {
	t.Helper()
	signer, err := identity.Generate()
	require.NoError(t, err)
	account := token.AccountFromPubkey(signer.Bytes())
	_, err = s.tok.Mint(account, config.TokenDecimalsDiv, nil, 0)
	require.NoError(t, err)
	require.NoError(t, s.reg.Register(registry.KindProvider, &signer.Identity, signer.Sign(signer.Bytes())))
	return signer
}

func (s *testStack) checkIn(t *testing.T, signer *identity.Signer) {
	t.Helper()
	tip := s.chain.LatestBlockHash()
	require.NoError(t, s.eng.SubmitCheckIn(&signer.Identity, "up", signer.Sign(tip[:])))
}

func TestSubmitCheckInRequiresRegistration(t *testing.T) {
	s := newTestStack(t)
	signer, err := identity.Generate()
	require.NoError(t, err)

	tip := s.chain.LatestBlockHash()
	err = s.eng.SubmitCheckIn(&signer.Identity, "up", signer.Sign(tip[:]))
	assert.Equal(t, lederr.CodeNotRegistered, lederr.CodeOf(err))
}

func TestSubmitCheckInRejectsStaleTip(t *testing.T) {
	s := newTestStack(t)
	signer := s.registerProvider(t)

	var stale [32]byte
	stale[0] = 0xff
	err := s.eng.SubmitCheckIn(&signer.Identity, "up", signer.Sign(stale[:]))
	assert.Equal(t, lederr.CodeInvalidSignature, lederr.CodeOf(err))
}

func TestCheckInBurnsFeeAndBumpsReputation(t *testing.T) {
	s := newTestStack(t)
	signer := s.registerProvider(t)
	account := token.AccountFromPubkey(signer.Bytes())
	before := s.tok.BalanceOf(account)
	repBefore := s.rep.ScoreOf(&signer.Identity)

	s.checkIn(t, signer)

	fee := s.eng.CheckInFeeE9s()
	require.NotZero(t, fee)
	assert.Equal(t, before-fee, s.tok.BalanceOf(account))
	assert.Equal(t, repBefore+fee, s.rep.ScoreOf(&signer.Identity))
}

func TestDistributeSplitsAmongCheckedIn(t *testing.T) {
	s := newTestStack(t)
	a := s.registerProvider(t)
	b := s.registerProvider(t)
	s.checkIn(t, a)
	s.checkIn(t, b)

	balA := s.tok.BalanceOf(token.AccountFromPubkey(a.Bytes()))
	balB := s.tok.BalanceOf(token.AccountFromPubkey(b.Bytes()))

	minted, err := s.eng.Distribute()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), minted)
	assert.Equal(t, uint64(1), s.eng.Distributions())
	assert.Equal(t, balA+500, s.tok.BalanceOf(token.AccountFromPubkey(a.Bytes())))
	assert.Equal(t, balB+500, s.tok.BalanceOf(token.AccountFromPubkey(b.Bytes())))
}

func TestDistributeIsIdempotentPerWindow(t *testing.T) {
	s := newTestStack(t)
	now := time.Now()
	s.eng.now = func() time.Time { return now }
	signer := s.registerProvider(t)
	s.checkIn(t, signer)

	minted, err := s.eng.Distribute()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), minted)

	// Same cadence window, nothing happens.
	minted, err = s.eng.Distribute()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), minted)
	assert.Equal(t, uint64(1), s.eng.Distributions())

	// Next window pays again once the buffer holds a fresh check-in.
	_, err = s.chain.Commit()
	require.NoError(t, err)
	now = now.Add(time.Hour)
	s.checkIn(t, signer)
	minted, err = s.eng.Distribute()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), minted)
	assert.Equal(t, uint64(2), s.eng.Distributions())
}

func TestDistributeHalvesOverTime(t *testing.T) {
	s := newTestStack(t)
	now := time.Now()
	s.eng.now = func() time.Time { return now }
	signer := s.registerProvider(t)

	for i := 0; i < 2; i++ {
		s.checkIn(t, signer)
		_, err := s.eng.Distribute()
		require.NoError(t, err)
		_, err = s.chain.Commit()
		require.NoError(t, err)
		now = now.Add(time.Hour)
	}
	// HalvingEvery is 2, so the third cycle pays half.
	assert.Equal(t, uint64(500), s.eng.CurrentRewardE9s())
}

func TestDistributeAgesIdleProviders(t *testing.T) {
	s := newTestStack(t)
	active := s.registerProvider(t)
	idle := s.registerProvider(t)
	s.checkIn(t, active)

	activeBefore := s.rep.ScoreOf(&active.Identity)
	idleBefore := s.rep.ScoreOf(&idle.Identity)

	_, err := s.eng.Distribute()
	require.NoError(t, err)

	assert.Equal(t, activeBefore, s.rep.ScoreOf(&active.Identity))
	assert.Less(t, s.rep.ScoreOf(&idle.Identity), idleBefore)
}

func TestDistributeNoCheckInsMintsNothing(t *testing.T) {
	s := newTestStack(t)
	s.registerProvider(t)
	_, err := s.chain.Commit()
	require.NoError(t, err)

	minted, err := s.eng.Distribute()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), minted)
	assert.Equal(t, uint64(0), s.eng.Distributions())
}

func TestReplayGuardsEmptyWindowAfterRestart(t *testing.T) {
	s := newTestStack(t)
	now := time.Now()
	s.eng.now = func() time.Time { return now }
	idle := s.registerProvider(t)
	_, err := s.chain.Commit()
	require.NoError(t, err)
	idleBefore := s.rep.ScoreOf(&idle.Identity)

	// A window with no check-ins pays nobody but still ages scores.
	minted, err := s.eng.Distribute()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), minted)
	aged := s.rep.ScoreOf(&idle.Identity)
	assert.Less(t, aged, idleBefore)

	// Come back up inside the same window: the replayed guard must stop a
	// second aging pass.
	_, err = s.chain.Commit()
	require.NoError(t, err)
	rep := reputation.NewTracker(s.chain)
	require.NoError(t, rep.Replay())
	fresh := NewEngine(s.chain, s.tok, rep, s.reg, s.eng.schedule, EqualSplit{}, time.Hour)
	fresh.now = s.eng.now
	require.NoError(t, fresh.Replay())

	minted, err = fresh.Distribute()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), minted)
	assert.Equal(t, aged, rep.ScoreOf(&idle.Identity))
}

func TestReplayRestoresDistributionCount(t *testing.T) {
	s := newTestStack(t)
	now := time.Now()
	s.eng.now = func() time.Time { return now }
	signer := s.registerProvider(t)

	for i := 0; i < 3; i++ {
		s.checkIn(t, signer)
		_, err := s.eng.Distribute()
		require.NoError(t, err)
		_, err = s.chain.Commit()
		require.NoError(t, err)
		now = now.Add(time.Hour)
	}

	fresh := NewEngine(s.chain, s.tok, s.rep, s.reg, s.eng.schedule, EqualSplit{}, time.Hour)
	require.NoError(t, fresh.Replay())
	assert.Equal(t, uint64(3), fresh.Distributions())
	assert.Equal(t, s.eng.CurrentRewardE9s(), fresh.CurrentRewardE9s())
}
