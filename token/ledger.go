package token

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/decent-stuff/decent-cloud/block"
	"github.com/decent-stuff/decent-cloud/config"
	"github.com/decent-stuff/decent-cloud/lederr"
	"github.com/decent-stuff/decent-cloud/ledger"
	"github.com/decent-stuff/decent-cloud/logx"
	"github.com/decent-stuff/decent-cloud/types"
)

// Allowance is a delegated-spend grant from an approver to a spender.
type Allowance struct {
	AmountE9s   uint64 `json:"amount_e9s"`
	ExpiresAtNs uint64 `json:"expires_at_ns,omitempty"`
}

type dedupRecord struct {
	blockIndex uint64
	seenAtNs   uint64
}

// Ledger interprets DCTokenTransfer and DCTokenApproval entries into a
// multi-asset-style accounting surface. Balances, allowances and the
// deduplication window are derived caches: rebuildable by Replay, never
// authoritative.
type Ledger struct {
	mu    sync.Mutex
	chain *ledger.Ledger
	now   func() time.Time

	balances   map[string]uint64
	allowances map[string]Allowance
	dedup      map[[32]byte]dedupRecord
	mintedE9s  uint64
	burnedE9s  uint64
}

func NewLedger(chain *ledger.Ledger) *Ledger {
	return &Ledger{
		chain:      chain,
		now:        time.Now,
		balances:   make(map[string]uint64),
		allowances: make(map[string]Allowance),
		dedup:      make(map[[32]byte]dedupRecord),
	}
}

func allowanceKey(approver, spender Account) string {
	return approver.cacheKey() + "\x01" + spender.cacheKey()
}

func checkedAdd(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, lederr.Newf(lederr.CodeAmountOverflow, "amount overflow: %d + %d", a, b)
	}
	return a + b, nil
}

// Replay rebuilds every cache by interpreting committed entries in commit
// order. This is the authoritative recovery path whenever a cached value is
// suspected to have diverged.
func (t *Ledger) Replay() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances = make(map[string]uint64)
	t.allowances = make(map[string]Allowance)
	t.dedup = make(map[[32]byte]dedupRecord)
	t.mintedE9s = 0
	t.burnedE9s = 0

	var applyErr error
	err := t.chain.IterateBlocks(0, func(b *block.Block) bool {
		for _, e := range b.Entries {
			if e.Operation != types.OpUpsert {
				continue
			}
			switch e.Label {
			case config.LabelDCTokenTransfer:
				transfer, err := decodeTransfer(e.Value)
				if err != nil {
					applyErr = err
					return false
				}
				if err := t.applyTransferLocked(transfer, b.Offset); err != nil {
					applyErr = fmt.Errorf("block %d: %w", b.Offset, err)
					return false
				}
			case config.LabelDCTokenApproval:
				approval, err := decodeApproval(e.Value)
				if err != nil {
					applyErr = err
					return false
				}
				if err := t.applyApprovalLocked(approval); err != nil {
					applyErr = fmt.Errorf("block %d: %w", b.Offset, err)
					return false
				}
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	if applyErr != nil {
		return applyErr
	}
	logx.Info("TOKEN", fmt.Sprintf("replayed balances for %d accounts, supply %d e9s", len(t.balances), t.mintedE9s-t.burnedE9s))
	return nil
}

// applyTransferLocked moves cached balances for an already validated (or
// historically committed) transfer.
func (t *Ledger) applyTransferLocked(transfer *FundsTransfer, blockIndex uint64) error {
	amount := transfer.AmountE9s
	withdraw, err := checkedAdd(amount, transfer.FeeE9s)
	if err != nil {
		return err
	}
	if !transfer.IsMint() {
		fromKey := transfer.From.cacheKey()
		if t.balances[fromKey] < withdraw {
			return lederr.Newf(lederr.CodeInsufficientFunds, "account %s holds %d e9s, transfer needs %d", transfer.From, t.balances[fromKey], withdraw)
		}
		t.balances[fromKey] -= withdraw
	} else {
		t.mintedE9s += amount
	}
	if !transfer.IsBurn() {
		toKey := transfer.To.cacheKey()
		newBal, err := checkedAdd(t.balances[toKey], amount)
		if err != nil {
			return err
		}
		t.balances[toKey] = newBal
	} else {
		t.burnedE9s += amount
	}
	// Fees leave circulation.
	t.burnedE9s += transfer.FeeE9s

	if transfer.Spender != nil {
		key := allowanceKey(transfer.From, *transfer.Spender)
		a := t.allowances[key]
		if a.AmountE9s <= withdraw {
			delete(t.allowances, key)
		} else {
			a.AmountE9s -= withdraw
			t.allowances[key] = a
		}
	}

	if transfer.CreatedAtTimeNs != 0 {
		if txid, err := transfer.TxID(); err == nil {
			t.dedup[txid] = dedupRecord{blockIndex: blockIndex, seenAtNs: transfer.CreatedAtTimeNs}
		}
	}
	return nil
}

// applyApprovalLocked burns the approval fee and installs the allowance.
// Live commits and replay both go through here, so a rebuilt cache carries
// the same balances and grants the chain produced the first time.
func (t *Ledger) applyApprovalLocked(approval *FundsTransferApproval) error {
	fromKey := approval.Approver.cacheKey()
	if t.balances[fromKey] < approval.FeeE9s {
		return lederr.Newf(lederr.CodeInsufficientFunds, "account %s cannot cover the %d e9s approval fee", approval.Approver, approval.FeeE9s)
	}
	t.balances[fromKey] -= approval.FeeE9s
	t.burnedE9s += approval.FeeE9s

	key := allowanceKey(approval.Approver, approval.Spender)
	if approval.AllowanceE9s == 0 {
		delete(t.allowances, key)
		return nil
	}
	t.allowances[key] = Allowance{AmountE9s: approval.AllowanceE9s, ExpiresAtNs: approval.ExpiresAtNs}
	return nil
}

// validateDedupWindow enforces the created-at window and returns the
// original block index for a duplicate submission.
func (t *Ledger) validateDedupWindow(txid [32]byte, createdAtNs uint64) (uint64, error) {
	if createdAtNs == 0 {
		return 0, nil
	}
	nowNs := uint64(t.now().UnixNano())
	windowNs := (config.TxWindowSecs + config.PermittedDriftSecs) * 1_000_000_000
	driftNs := config.PermittedDriftSecs * 1_000_000_000
	if createdAtNs+windowNs < nowNs {
		return 0, lederr.Newf(lederr.CodeTooOld, "created_at_time %d is outside the dedup window", createdAtNs)
	}
	if createdAtNs > nowNs+driftNs {
		return 0, lederr.Newf(lederr.CodeCreatedInFuture, "created_at_time %d is in the future (ledger time %d)", createdAtNs, nowNs)
	}
	if rec, ok := t.dedup[txid]; ok {
		return rec.blockIndex, lederr.Newf(lederr.CodeDuplicateTransfer, "duplicate of block %d", rec.blockIndex)
	}
	return 0, nil
}

// pruneDedupLocked drops records older than the window.
func (t *Ledger) pruneDedupLocked() {
	nowNs := uint64(t.now().UnixNano())
	windowNs := (config.TxWindowSecs + config.PermittedDriftSecs) * 1_000_000_000
	for txid, rec := range t.dedup {
		if rec.seenAtNs+windowNs < nowNs {
			delete(t.dedup, txid)
		}
	}
}

// Transfer validates the transfer, records it in the next-block buffer and
// applies it to the cached balances. It returns the block index the
// transfer will commit at. A resubmission with identical content and
// created_at_time inside the window returns the original index with a
// duplicate error, so transport retries can never double-spend.
func (t *Ledger) Transfer(transfer *FundsTransfer) (uint64, error) {
	if err := t.validateFee(transfer); err != nil {
		return 0, err
	}
	txid, err := transfer.TxID()
	if err != nil {
		return 0, err
	}
	raw, err := transfer.Bytes()
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if origIdx, err := t.validateDedupWindow(txid, transfer.CreatedAtTimeNs); err != nil {
		return origIdx, err
	}
	withdraw, err := checkedAdd(transfer.AmountE9s, transfer.FeeE9s)
	if err != nil {
		return 0, err
	}
	if !transfer.IsMint() {
		balance := t.balances[transfer.From.cacheKey()]
		if balance < withdraw {
			return 0, lederr.Newf(lederr.CodeInsufficientFunds, "account %s holds %d e9s, transfer needs %d", transfer.From, balance, withdraw)
		}
	}
	if transfer.Spender != nil {
		current := t.allowanceLocked(transfer.From, *transfer.Spender)
		if current.AmountE9s < withdraw {
			return 0, lederr.Newf(lederr.CodeInsufficientAllowance, "allowance %d e9s cannot cover %d", current.AmountE9s, withdraw)
		}
	}

	ref, err := t.chain.Upsert(config.LabelDCTokenTransfer, txid[:], raw)
	if err != nil {
		return 0, mapAppendErr(err)
	}
	if err := t.applyTransferLocked(transfer, ref.BlockOffset); err != nil {
		// Validated above; a failure here means the caches diverged.
		return 0, err
	}
	t.pruneDedupLocked()
	return ref.BlockOffset, nil
}

func (t *Ledger) validateFee(transfer *FundsTransfer) error {
	if transfer.IsMint() || transfer.IsBurn() {
		if transfer.FeeE9s != 0 {
			return lederr.Newf(lederr.CodeBadFee, "mint/burn fee must be 0, got %d", transfer.FeeE9s)
		}
		return nil
	}
	if transfer.FeeE9s != config.TokenTransferFeeE9s {
		return lederr.Newf(lederr.CodeBadFee, "expected fee %d e9s, got %d", config.TokenTransferFeeE9s, transfer.FeeE9s)
	}
	return nil
}

func mapAppendErr(err error) error {
	if lederr.IsIntegrity(err) {
		return err
	}
	if lederr.IsValidation(err) {
		return err
	}
	return lederr.Wrap(lederr.CodeTemporarilyUnavailable, err, "ledger append failed")
}

// Mint credits freshly created supply to an account. Used by the reward
// engine; total supply only changes through mints and burns.
func (t *Ledger) Mint(to Account, amountE9s uint64, memo []byte, createdAtNs uint64) (uint64, error) {
	return t.Transfer(&FundsTransfer{
		From:            MintingAccount(),
		To:              to,
		Memo:            memo,
		CreatedAtTimeNs: createdAtNs,
		AmountE9s:       amountE9s,
	})
}

// Burn charges amountE9s from an account into the minting account. The
// registration and check-in fees go through here.
func (t *Ledger) Burn(from Account, amountE9s uint64, memo []byte) (uint64, error) {
	return t.Transfer(&FundsTransfer{
		From:      from,
		To:        MintingAccount(),
		Memo:      memo,
		AmountE9s: amountE9s,
	})
}

// Approve grants (or revokes, with amount 0) a delegated-spend allowance.
// expectedAllowance, when non-nil, is an optimistic concurrency check: the
// call fails with AllowanceChanged instead of silently overwriting a racing
// approval.
func (t *Ledger) Approve(approval *FundsTransferApproval, expectedAllowance *uint64) (uint64, error) {
	if approval.Approver.IsMinting() {
		return 0, lederr.New(lederr.CodeInvalidRequest, "minting account cannot approve")
	}
	if approval.FeeE9s != config.TokenTransferFeeE9s {
		return 0, lederr.Newf(lederr.CodeBadFee, "expected fee %d e9s, got %d", config.TokenTransferFeeE9s, approval.FeeE9s)
	}
	txid, err := approval.TxID()
	if err != nil {
		return 0, err
	}
	raw, err := approval.Bytes()
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.allowanceLocked(approval.Approver, approval.Spender)
	if expectedAllowance != nil && *expectedAllowance != current.AmountE9s {
		return 0, lederr.Newf(lederr.CodeAllowanceChanged, "allowance is %d e9s, expected %d", current.AmountE9s, *expectedAllowance)
	}
	if t.balances[approval.Approver.cacheKey()] < approval.FeeE9s {
		return 0, lederr.Newf(lederr.CodeInsufficientFunds, "account %s cannot cover the %d e9s approval fee", approval.Approver, approval.FeeE9s)
	}

	ref, err := t.chain.Upsert(config.LabelDCTokenApproval, txid[:], raw)
	if err != nil {
		return 0, mapAppendErr(err)
	}
	if err := t.applyApprovalLocked(approval); err != nil {
		// Validated above; a failure here means the caches diverged.
		return 0, err
	}
	return ref.BlockOffset, nil
}

// TransferFrom spends from the approver's account within the spender's
// allowance.
func (t *Ledger) TransferFrom(spender Account, transfer *FundsTransfer) (uint64, error) {
	if transfer.IsMint() {
		return 0, lederr.New(lederr.CodeInvalidRequest, "cannot transfer_from the minting account")
	}
	// The spender rides in the committed record; applying the transfer,
	// whether live or during replay, charges the allowance. Transfer
	// checks the allowance covers amount plus fee.
	transfer.Spender = &spender
	return t.Transfer(transfer)
}

func (t *Ledger) allowanceLocked(approver, spender Account) Allowance {
	a := t.allowances[allowanceKey(approver, spender)]
	if a.ExpiresAtNs != 0 && a.ExpiresAtNs < uint64(t.now().UnixNano()) {
		return Allowance{}
	}
	return a
}

// AllowanceOf returns the live allowance from approver to spender.
func (t *Ledger) AllowanceOf(approver, spender Account) Allowance {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowanceLocked(approver, spender)
}

// BalanceOf returns the cached balance of an account.
func (t *Ledger) BalanceOf(a Account) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[a.cacheKey()]
}

// TotalSupply is total mints minus total burns.
func (t *Ledger) TotalSupply() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mintedE9s - t.burnedE9s
}

// Metadata describes the token and the sync positions a replica needs to
// seed its cursor.
type Metadata struct {
	Name              string `json:"name"`
	Symbol            string `json:"symbol"`
	Decimals          uint8  `json:"decimals"`
	TransferFeeE9s    uint64 `json:"transfer_fee_e9s"`
	TotalSupplyE9s    uint64 `json:"total_supply_e9s"`
	ChainLength       uint64 `json:"chain_length"`
	NextWritePosition uint64 `json:"next_write_position"`
}

func (t *Ledger) Metadata() Metadata {
	return Metadata{
		Name:              config.TokenName,
		Symbol:            config.TokenSymbol,
		Decimals:          config.TokenDecimals,
		TransferFeeE9s:    config.TokenTransferFeeE9s,
		TotalSupplyE9s:    t.TotalSupply(),
		ChainLength:       t.chain.BlocksCount(),
		NextWritePosition: t.chain.StreamLength(),
	}
}
