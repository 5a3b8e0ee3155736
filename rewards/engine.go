package rewards

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/decent-stuff/decent-cloud/block"
	"github.com/decent-stuff/decent-cloud/config"
	"github.com/decent-stuff/decent-cloud/identity"
	"github.com/decent-stuff/decent-cloud/jsonx"
	"github.com/decent-stuff/decent-cloud/ledger"
	"github.com/decent-stuff/decent-cloud/lederr"
	"github.com/decent-stuff/decent-cloud/logx"
	"github.com/decent-stuff/decent-cloud/registry"
	"github.com/decent-stuff/decent-cloud/reputation"
	"github.com/decent-stuff/decent-cloud/token"
	"github.com/mr-tron/base58"
)

// CheckIn is the value stored under a check-in entry. The signature covers
// the chain tip hash current at submission time, binding the liveness
// proof to a specific recent ledger state.
type CheckIn struct {
	Memo        string `json:"memo,omitempty"`
	Signature   []byte `json:"signature"`
	TimestampNs uint64 `json:"timestamp_ns"`
}

// Distribution is the value stored under a reward distribution entry. It
// is the on-chain record replays use to reproduce distribution counters
// and the minted shares.
type Distribution struct {
	TotalE9s    uint64  `json:"total_e9s"`
	Strategy    string  `json:"strategy"`
	TimestampNs uint64  `json:"timestamp_ns"`
	Shares      []Share `json:"shares"`
}

type Share struct {
	Key       string `json:"key"` // base58 public key
	AmountE9s uint64 `json:"amount_e9s"`
}

// Engine drives the liveness/reward cycle: providers check in against the
// chain tip, and once per cadence window the emission is split among the
// providers whose check-ins sit in the next-block buffer.
type Engine struct {
	mu    sync.Mutex
	chain *ledger.Ledger
	token *token.Ledger
	rep   *reputation.Tracker
	reg   *registry.Registry

	schedule Schedule
	split    SplitStrategy
	interval time.Duration
	now      func() time.Time

	distributions uint64
	lastDistNs    uint64
}

func NewEngine(chain *ledger.Ledger, tok *token.Ledger, rep *reputation.Tracker, reg *registry.Registry, schedule Schedule, split SplitStrategy, interval time.Duration) *Engine {
	if split == nil {
		split = EqualSplit{}
	}
	return &Engine{
		chain:    chain,
		token:    tok,
		rep:      rep,
		reg:      reg,
		schedule: schedule,
		split:    split,
		interval: interval,
		now:      time.Now,
	}
}

// Replay recounts past distributions from the committed chain so the
// emission position and the idempotence guard survive restarts. A window
// that paid nobody records no distribution entry, only the aging event, so
// the guard also picks up the tracker's latest aging timestamp. Run it
// after the reputation tracker has replayed.
func (e *Engine) Replay() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.distributions = 0
	e.lastDistNs = 0
	var replayErr error
	err := e.chain.IterateBlocks(0, func(b *block.Block) bool {
		for _, entry := range b.Entries {
			if entry.Label != config.LabelRewardDistribution {
				continue
			}
			var d Distribution
			if replayErr = jsonx.Unmarshal(entry.Value, &d); replayErr != nil {
				replayErr = lederr.Wrap(lederr.CodeInvalidPayload, replayErr, "undecodable reward distribution entry")
				return false
			}
			e.distributions++
			e.lastDistNs = d.TimestampNs
		}
		return true
	})
	if err != nil {
		return err
	}
	if replayErr != nil {
		return replayErr
	}
	if agedNs := e.rep.LastAgingNs(); agedNs > e.lastDistNs {
		e.lastDistNs = agedNs
	}
	return nil
}

// CurrentRewardE9s returns the emission the next distribution will carry.
func (e *Engine) CurrentRewardE9s() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.schedule.RewardAt(e.distributions)
}

// CheckInFeeE9s is what a provider pays to prove liveness this cycle.
func (e *Engine) CheckInFeeE9s() uint64 {
	return e.CurrentRewardE9s() / 100
}

// SubmitCheckIn records a provider's liveness proof for the current cycle.
// The signature must cover the current chain tip hash; a stale tip fails
// verification, which is what prevents replaying an old proof. The fee is
// burned and credited back as reputation.
func (e *Engine) SubmitCheckIn(id *identity.Identity, memo string, signature []byte) error {
	if !e.reg.IsProvider(id) {
		return lederr.Newf(lederr.CodeNotRegistered, "%s is not a registered provider", id)
	}
	tip := e.chain.LatestBlockHash()
	if err := id.Verify(tip[:], signature); err != nil {
		return err
	}

	fee := e.CheckInFeeE9s()
	if fee > 0 {
		if _, err := e.token.Burn(token.AccountFromPubkey(id.Bytes()), fee, []byte("check-in fee")); err != nil {
			return err
		}
	}
	ci := CheckIn{Memo: memo, Signature: signature, TimestampNs: uint64(e.now().UnixNano())}
	raw, err := jsonx.Marshal(ci)
	if err != nil {
		return lederr.Wrap(lederr.CodeInvalidPayload, err, "failed to encode check-in")
	}
	if _, err := e.chain.Upsert(config.LabelNPCheckIn, id.Bytes(), raw); err != nil {
		return err
	}
	if fee > 0 {
		if err := e.rep.Bump(id, int64(fee), "check-in"); err != nil {
			return err
		}
	}
	logx.Info("REWARDS", "check-in recorded for", id.String())
	return nil
}

// windowIndex maps a wall-clock instant onto the cadence grid anchored at
// the genesis timestamp.
func (e *Engine) windowIndex(tsNs uint64) uint64 {
	if tsNs <= config.FirstBlockTimestampNs {
		return 0
	}
	return (tsNs - config.FirstBlockTimestampNs) / uint64(e.interval.Nanoseconds())
}

// Distribute runs one reward cycle: split the current emission among the
// providers whose check-ins sit in the next-block buffer, mint their
// shares and record the distribution on chain. Running it twice inside the
// same cadence window is a no-op, so a jittery scheduler cannot
// double-mint. Identities that did not check in have their reputation aged.
// Returns the total minted.
func (e *Engine) Distribute() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	nowNs := uint64(e.now().UnixNano())
	if e.lastDistNs > 0 && e.windowIndex(nowNs) <= e.windowIndex(e.lastDistNs) {
		return 0, nil
	}

	checkIns := e.chain.NextBlockEntries(config.LabelNPCheckIn)
	seen := make(map[string]struct{}, len(checkIns))
	var recipients []Recipient
	for _, entry := range checkIns {
		key := base58.Encode(entry.Key)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		id, err := identity.FromBytes(entry.Key)
		if err != nil {
			return 0, err
		}
		recipients = append(recipients, Recipient{Key: key, Weight: e.rep.ScoreOf(id)})
	}

	exempt := make([]string, 0, len(recipients))
	for _, r := range recipients {
		exempt = append(exempt, r.Key)
	}
	if err := e.rep.AgeAll(config.DefaultAgingFactorPPM, 1, exempt); err != nil {
		return 0, err
	}

	if len(recipients) == 0 {
		e.lastDistNs = nowNs
		return 0, nil
	}

	total := e.schedule.RewardAt(e.distributions)
	if total == 0 {
		e.lastDistNs = nowNs
		return 0, nil
	}
	shares := e.split.Split(total, recipients)

	dist := Distribution{
		TotalE9s:    total,
		Strategy:    e.split.Name(),
		TimestampNs: nowNs,
		Shares:      make([]Share, len(recipients)),
	}
	var minted uint64
	for i, r := range recipients {
		dist.Shares[i] = Share{Key: r.Key, AmountE9s: shares[i]}
		minted += shares[i]
	}

	raw, err := jsonx.Marshal(dist)
	if err != nil {
		return 0, lederr.Wrap(lederr.CodeInvalidPayload, err, "failed to encode distribution")
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, e.distributions)
	if _, err := e.chain.Upsert(config.LabelRewardDistribution, key, raw); err != nil {
		return 0, err
	}
	for i, r := range recipients {
		if shares[i] == 0 {
			continue
		}
		pk, err := base58.Decode(r.Key)
		if err != nil {
			return 0, lederr.Wrap(lederr.CodeInvalidPubkey, err, "bad recipient key")
		}
		if _, err := e.token.Mint(token.AccountFromPubkey(pk), shares[i], []byte("reward distribution"), 0); err != nil {
			return 0, err
		}
	}

	e.distributions++
	e.lastDistNs = nowNs
	logx.Info("REWARDS", "distributed", minted, "e9s across", len(recipients), "provider(s)")
	return minted, nil
}

// Distributions returns how many reward cycles have paid out so far.
func (e *Engine) Distributions() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.distributions
}
