package token

import (
	"crypto/sha256"

	"github.com/decent-stuff/decent-cloud/jsonx"
	"github.com/decent-stuff/decent-cloud/lederr"
)

// FundsTransfer is the wire record stored under the DCTokenTransfer label.
// Its serialized bytes are the entry value; their sha256 digest is the
// entry key and the deduplication id. A delegated spend carries the
// spender, so replay charges the allowance exactly as the live path did.
type FundsTransfer struct {
	From            Account  `json:"from"`
	To              Account  `json:"to"`
	Spender         *Account `json:"spender,omitempty"`
	FeeE9s          uint64   `json:"fee_e9s"`
	Memo            []byte   `json:"memo,omitempty"`
	CreatedAtTimeNs uint64   `json:"created_at_time_ns,omitempty"`
	AmountE9s       uint64   `json:"amount_e9s"`
}

func (t *FundsTransfer) Bytes() ([]byte, error) {
	raw, err := jsonx.Marshal(t)
	if err != nil {
		return nil, lederr.Wrap(lederr.CodeInvalidPayload, err, "failed to serialize transfer")
	}
	return raw, nil
}

// TxID is the content-derived transfer id.
func (t *FundsTransfer) TxID() ([32]byte, error) {
	raw, err := t.Bytes()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(raw), nil
}

// IsMint reports a supply-increasing transfer.
func (t *FundsTransfer) IsMint() bool { return t.From.IsMinting() }

// IsBurn reports a supply-decreasing transfer.
func (t *FundsTransfer) IsBurn() bool { return t.To.IsMinting() }

func decodeTransfer(raw []byte) (*FundsTransfer, error) {
	var t FundsTransfer
	if err := jsonx.Unmarshal(raw, &t); err != nil {
		// Unrecognized payload shape under our label must fail loudly,
		// never be skipped.
		return nil, lederr.Wrap(lederr.CodeInvalidPayload, err, "unrecognized transfer payload")
	}
	return &t, nil
}

// FundsTransferApproval is the wire record stored under the
// DCTokenApproval label.
type FundsTransferApproval struct {
	Approver        Account `json:"approver"`
	Spender         Account `json:"spender"`
	AllowanceE9s    uint64  `json:"allowance_e9s"`
	ExpiresAtNs     uint64  `json:"expires_at_ns,omitempty"`
	FeeE9s          uint64  `json:"fee_e9s"`
	Memo            []byte  `json:"memo,omitempty"`
	CreatedAtTimeNs uint64  `json:"created_at_time_ns,omitempty"`
}

func (a *FundsTransferApproval) Bytes() ([]byte, error) {
	raw, err := jsonx.Marshal(a)
	if err != nil {
		return nil, lederr.Wrap(lederr.CodeInvalidPayload, err, "failed to serialize approval")
	}
	return raw, nil
}

func (a *FundsTransferApproval) TxID() ([32]byte, error) {
	raw, err := a.Bytes()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(raw), nil
}

func decodeApproval(raw []byte) (*FundsTransferApproval, error) {
	var a FundsTransferApproval
	if err := jsonx.Unmarshal(raw, &a); err != nil {
		return nil, lederr.Wrap(lederr.CodeInvalidPayload, err, "unrecognized approval payload")
	}
	return &a, nil
}
