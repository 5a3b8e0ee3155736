package contracts

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"
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
	"github.com/decent-stuff/decent-cloud/token"
	"github.com/decent-stuff/decent-cloud/types"
)

// SignRequest is a user asking a provider to enter a contract for one of
// its offerings. The requester signs the request payload; the contract id
// is the hash of that payload, so identical requests collapse to one
// contract.
type SignRequest struct {
	RequesterPubkey []byte `json:"requester_pubkey"`
	ProviderPubkey  []byte `json:"provider_pubkey"`
	OfferingID      string `json:"offering_id"`
	PaymentE9s      uint64 `json:"payment_e9s"`
	Memo            string `json:"memo,omitempty"`
	TimestampNs     uint64 `json:"timestamp_ns"`
}

// Bytes is the canonical signing payload for a request.
func (r SignRequest) Bytes() []byte {
	raw, err := jsonx.Marshal(r)
	if err != nil {
		panic(err)
	}
	return raw
}

// ContractID derives the contract identifier from the request payload.
func (r SignRequest) ContractID() [32]byte {
	return sha256.Sum256(r.Bytes())
}

// SignReply is the provider's answer to a pending request. Replies are
// terminal: a contract transitions open -> replied exactly once.
type SignReply struct {
	ContractID  []byte `json:"contract_id"`
	Accepted    bool   `json:"accepted"`
	Memo        string `json:"memo,omitempty"`
	TimestampNs uint64 `json:"timestamp_ns"`
}

func (r SignReply) Bytes() []byte {
	raw, err := jsonx.Marshal(r)
	if err != nil {
		panic(err)
	}
	return raw
}

type storedRequest struct {
	Request   SignRequest `json:"request"`
	Signature []byte      `json:"signature"`
}

type storedReply struct {
	Reply     SignReply `json:"reply"`
	Signature []byte    `json:"signature"`
}

// Pending describes one open contract for listing.
type Pending struct {
	ContractID string      `json:"contract_id"`
	Request    SignRequest `json:"request"`
}

// Book interprets contract signaling entries. The open-contract set is a
// derived cache rebuilt by Replay.
type Book struct {
	mu    sync.RWMutex
	chain *ledger.Ledger
	token *token.Ledger
	reg   *registry.Registry
	now   func() time.Time

	open map[string]SignRequest // hex contract id -> request
}

func NewBook(chain *ledger.Ledger, tok *token.Ledger, reg *registry.Registry) *Book {
	return &Book{
		chain: chain,
		token: tok,
		reg:   reg,
		now:   time.Now,
		open:  make(map[string]SignRequest),
	}
}

// Replay rebuilds the open-contract set from the committed chain.
// Requests open a contract, replies close it; entry order within and
// across blocks resolves any race.
func (b *Book) Replay() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.open = make(map[string]SignRequest)
	var replayErr error
	err := b.chain.IterateBlocks(0, func(blk *block.Block) bool {
		for _, e := range blk.Entries {
			if e.Operation != types.OpUpsert {
				continue
			}
			switch e.Label {
			case config.LabelContractSignReq:
				var sr storedRequest
				if replayErr = jsonx.Unmarshal(e.Value, &sr); replayErr != nil {
					replayErr = lederr.Wrap(lederr.CodeInvalidPayload, replayErr, "undecodable contract request entry")
					return false
				}
				b.open[hex.EncodeToString(e.Key)] = sr.Request
			case config.LabelContractSignReply:
				delete(b.open, hex.EncodeToString(e.Key))
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
	logx.Info("CONTRACTS", "replay complete,", len(b.open), "open contract(s)")
	return nil
}

// RequestFeeE9s is the signaling fee for a request of the given payment.
func RequestFeeE9s(paymentE9s uint64) uint64 { return paymentE9s / 100 }

// SubmitRequest records a contract request. The requester pays a
// signaling fee of one percent of the offered payment, burned. A request
// whose payload hashes to an already-known contract id is a duplicate.
// Returns the contract id.
func (b *Book) SubmitRequest(req SignRequest, signature []byte) ([32]byte, error) {
	requester, err := identity.FromBytes(req.RequesterPubkey)
	if err != nil {
		return [32]byte{}, err
	}
	provider, err := identity.FromBytes(req.ProviderPubkey)
	if err != nil {
		return [32]byte{}, err
	}
	if err := requester.Verify(req.Bytes(), signature); err != nil {
		return [32]byte{}, err
	}
	if !b.reg.IsProvider(provider) {
		return [32]byte{}, lederr.Newf(lederr.CodeNotRegistered, "%s is not a registered provider", provider)
	}

	id := req.ContractID()
	idHex := hex.EncodeToString(id[:])

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.open[idHex]; exists {
		return [32]byte{}, lederr.Newf(lederr.CodeDuplicateContract, "contract %s already requested", idHex)
	}
	if _, found, err := b.chain.Get(config.LabelContractSignReq, id[:]); err != nil {
		return [32]byte{}, err
	} else if found {
		return [32]byte{}, lederr.Newf(lederr.CodeDuplicateContract, "contract %s already requested", idHex)
	}

	if fee := RequestFeeE9s(req.PaymentE9s); fee > 0 {
		if _, err := b.token.Burn(token.AccountFromPubkey(req.RequesterPubkey), fee, []byte("contract signaling fee")); err != nil {
			return [32]byte{}, err
		}
	}
	raw, err := jsonx.Marshal(storedRequest{Request: req, Signature: signature})
	if err != nil {
		return [32]byte{}, lederr.Wrap(lederr.CodeInvalidPayload, err, "failed to encode contract request")
	}
	if _, err := b.chain.Upsert(config.LabelContractSignReq, id[:], raw); err != nil {
		return [32]byte{}, err
	}
	b.open[idHex] = req
	logx.Info("CONTRACTS", "request recorded, contract", idHex)
	return id, nil
}

// SubmitReply records the provider's answer. Only the provider named in
// the request may reply, and only while the contract is still open.
func (b *Book) SubmitReply(reply SignReply, signature []byte) error {
	idHex := hex.EncodeToString(reply.ContractID)

	b.mu.Lock()
	defer b.mu.Unlock()
	req, exists := b.open[idHex]
	if !exists {
		if _, found, err := b.chain.Get(config.LabelContractSignReply, reply.ContractID); err != nil {
			return err
		} else if found {
			return lederr.Newf(lederr.CodeContractClosed, "contract %s was already replied to", idHex)
		}
		return lederr.Newf(lederr.CodeNotFound, "no open contract %s", idHex)
	}

	provider, err := identity.FromBytes(req.ProviderPubkey)
	if err != nil {
		return err
	}
	if err := provider.Verify(reply.Bytes(), signature); err != nil {
		return err
	}

	raw, err := jsonx.Marshal(storedReply{Reply: reply, Signature: signature})
	if err != nil {
		return lederr.Wrap(lederr.CodeInvalidPayload, err, "failed to encode contract reply")
	}
	if _, err := b.chain.Upsert(config.LabelContractSignReply, reply.ContractID, raw); err != nil {
		return err
	}
	delete(b.open, idHex)
	logx.Info("CONTRACTS", "reply recorded, contract", idHex, "accepted:", reply.Accepted)
	return nil
}

// ListPending returns the open contracts sorted by contract id, optionally
// narrowed to one provider.
func (b *Book) ListPending(providerPubkey []byte) []Pending {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Pending
	for idHex, req := range b.open {
		if len(providerPubkey) > 0 && !bytes.Equal(req.ProviderPubkey, providerPubkey) {
			continue
		}
		out = append(out, Pending{ContractID: idHex, Request: req})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out
}
