package reputation

import (
	"sync"
	"time"

	"github.com/decent-stuff/decent-cloud/block"
	"github.com/decent-stuff/decent-cloud/config"
	"github.com/decent-stuff/decent-cloud/identity"
	"github.com/decent-stuff/decent-cloud/jsonx"
	"github.com/decent-stuff/decent-cloud/ledger"
	"github.com/decent-stuff/decent-cloud/lederr"
	"github.com/decent-stuff/decent-cloud/logx"
	"github.com/decent-stuff/decent-cloud/types"
	"github.com/mr-tron/base58"
)

// Change is one signed-ledger adjustment to an identity's score. Positive
// deltas are capped per entry so no single transaction can buy outsized
// trust.
type Change struct {
	DeltaE9s    int64  `json:"delta_e9s"`
	Reason      string `json:"reason"`
	TimestampNs uint64 `json:"timestamp_ns"`
}

// Aging is a periodic decay event applied to every tracked score except
// the exempted ones, which proved liveness in the covered window. Windows
// counts the cadence periods the event covers. Carrying the exempt set in
// the entry keeps replay exact.
type Aging struct {
	FactorPPM   uint64   `json:"factor_ppm"`
	Windows     uint64   `json:"windows"`
	TimestampNs uint64   `json:"timestamp_ns"`
	Exempt      []string `json:"exempt,omitempty"`
}

func (c Change) Bytes() []byte {
	raw, err := jsonx.Marshal(c)
	if err != nil {
		panic(err)
	}
	return raw
}

func (a Aging) Bytes() []byte {
	raw, err := jsonx.Marshal(a)
	if err != nil {
		panic(err)
	}
	return raw
}

// Tracker keeps the per-identity trust scores. Scores are a derived cache
// over the committed chain plus the next-block buffer; Replay rebuilds them
// from genesis and is the authoritative recovery path.
type Tracker struct {
	mu    sync.RWMutex
	chain *ledger.Ledger
	now   func() time.Time

	scores      map[string]uint64 // base58 pubkey -> score in e9s
	lastAgingNs uint64
}

func NewTracker(chain *ledger.Ledger) *Tracker {
	return &Tracker{
		chain:  chain,
		now:    time.Now,
		scores: make(map[string]uint64),
	}
}

// Replay recomputes every score from the committed chain. Unrecognized
// payload shapes under the reputation labels fail loudly.
func (t *Tracker) Replay() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.scores = make(map[string]uint64)
	t.lastAgingNs = 0
	var replayErr error
	err := t.chain.IterateBlocks(0, func(b *block.Block) bool {
		for _, e := range b.Entries {
			if replayErr = t.applyEntryLocked(e); replayErr != nil {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	if replayErr != nil {
		return replayErr
	}
	logx.Info("REPUTATION", "replay complete,", len(t.scores), "identities tracked")
	return nil
}

func (t *Tracker) applyEntryLocked(e types.Entry) error {
	switch e.Label {
	case config.LabelReputationChange:
		var c Change
		if err := jsonx.Unmarshal(e.Value, &c); err != nil {
			return lederr.Wrap(lederr.CodeInvalidPayload, err, "undecodable reputation change entry")
		}
		t.applyChangeLocked(base58.Encode(e.Key), c.DeltaE9s)
	case config.LabelReputationAge:
		var a Aging
		if err := jsonx.Unmarshal(e.Value, &a); err != nil {
			return lederr.Wrap(lederr.CodeInvalidPayload, err, "undecodable reputation aging entry")
		}
		t.applyAgingLocked(a)
	}
	return nil
}

func (t *Tracker) applyChangeLocked(key string, delta int64) {
	score := t.scores[key]
	switch {
	case delta >= 0:
		inc := uint64(delta)
		if inc > uint64(config.MaxReputationIncreasePerTx) {
			inc = uint64(config.MaxReputationIncreasePerTx)
		}
		score += inc
	default:
		dec := uint64(-delta)
		if dec > score {
			dec = score
		}
		score -= dec
	}
	t.scores[key] = score
}

func (t *Tracker) applyAgingLocked(a Aging) {
	windows := a.Windows
	if windows > config.MaxReputationAgingStep {
		windows = config.MaxReputationAgingStep
	}
	exempt := make(map[string]struct{}, len(a.Exempt))
	for _, k := range a.Exempt {
		exempt[k] = struct{}{}
	}
	for key, score := range t.scores {
		if _, ok := exempt[key]; ok {
			continue
		}
		for i := uint64(0); i < windows && score > 0; i++ {
			dec := score * a.FactorPPM / 1_000_000
			if dec == 0 {
				dec = 1
			}
			if dec > score {
				dec = score
			}
			score -= dec
		}
		t.scores[key] = score
	}
	t.lastAgingNs = a.TimestampNs
}

// Bump appends a reputation change entry and applies it to the cache. The
// increase cap holds at both append and replay time so the cache and the
// chain agree.
func (t *Tracker) Bump(id *identity.Identity, deltaE9s int64, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := Change{
		DeltaE9s:    deltaE9s,
		Reason:      reason,
		TimestampNs: uint64(t.now().UnixNano()),
	}
	if _, err := t.chain.Upsert(config.LabelReputationChange, id.Bytes(), c.Bytes()); err != nil {
		return err
	}
	t.applyChangeLocked(id.String(), deltaE9s)
	return nil
}

// AgeAll appends a single aging entry covering the given number of cadence
// windows and decays every tracked score except the exempted identities.
// Calling it twice for the same window is the caller's bug; the entry
// records the wall-clock time so replays reproduce the cache exactly
// either way.
func (t *Tracker) AgeAll(factorPPM, windows uint64, exempt []string) error {
	if windows == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	a := Aging{
		FactorPPM:   factorPPM,
		Windows:     windows,
		TimestampNs: uint64(t.now().UnixNano()),
		Exempt:      exempt,
	}
	if _, err := t.chain.Upsert(config.LabelReputationAge, []byte("aging"), a.Bytes()); err != nil {
		return err
	}
	t.applyAgingLocked(a)
	return nil
}

// ScoreOf returns the cached score for an identity, zero if untracked.
func (t *Tracker) ScoreOf(id *identity.Identity) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.scores[id.String()]
}

// Scores returns a snapshot of every tracked identity's score.
func (t *Tracker) Scores() map[string]uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]uint64, len(t.scores))
	for k, v := range t.scores {
		out[k] = v
	}
	return out
}

// LastAgingNs returns the timestamp of the most recent aging entry seen.
func (t *Tracker) LastAgingNs() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastAgingNs
}
