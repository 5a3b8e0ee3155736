package registry

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
	"github.com/decent-stuff/decent-cloud/reputation"
	"github.com/decent-stuff/decent-cloud/token"
	"github.com/decent-stuff/decent-cloud/types"
	"github.com/mr-tron/base58"
)

// Kind distinguishes the two participant classes.
type Kind int

const (
	KindProvider Kind = iota
	KindUser
)

func (k Kind) label() string {
	if k == KindUser {
		return config.LabelUserRegister
	}
	return config.LabelNPRegister
}

// Registration is the value stored under a register entry. The signature
// is the identity signing its own public key, proving key possession.
type Registration struct {
	Signature   []byte `json:"signature"`
	TimestampNs uint64 `json:"timestamp_ns"`
}

// Registry interprets registration, profile and offering entries. Like
// every interpreter it is a derived cache over the chain, rebuildable via
// Replay.
type Registry struct {
	mu    sync.RWMutex
	chain *ledger.Ledger
	token *token.Ledger
	rep   *reputation.Tracker
	now   func() time.Time

	providers map[string]struct{}
	users     map[string]struct{}
}

func New(chain *ledger.Ledger, tok *token.Ledger, rep *reputation.Tracker) *Registry {
	return &Registry{
		chain:     chain,
		token:     tok,
		rep:       rep,
		now:       time.Now,
		providers: make(map[string]struct{}),
		users:     make(map[string]struct{}),
	}
}

// Replay rebuilds the registration sets from the committed chain.
func (r *Registry) Replay() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers = make(map[string]struct{})
	r.users = make(map[string]struct{})
	err := r.chain.IterateBlocks(0, func(b *block.Block) bool {
		for _, e := range b.Entries {
			if e.Operation != types.OpUpsert {
				continue
			}
			switch e.Label {
			case config.LabelNPRegister:
				r.providers[base58.Encode(e.Key)] = struct{}{}
			case config.LabelUserRegister:
				r.users[base58.Encode(e.Key)] = struct{}{}
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	logx.Info("REGISTRY", "replay complete,", len(r.providers), "providers,", len(r.users), "users")
	return nil
}

// Register admits an identity. The signature must be the identity signing
// its own public key. The fee is burned and simultaneously seeds the
// identity's reputation. Re-registering is a no-op and charges nothing.
func (r *Registry) Register(kind Kind, id *identity.Identity, signature []byte) error {
	if len(id.Bytes()) > config.MaxPubkeyBytes {
		return lederr.Newf(lederr.CodeInvalidPubkey, "public key exceeds %d bytes", config.MaxPubkeyBytes)
	}
	if err := id.Verify(id.Bytes(), signature); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registeredLocked(kind, id.String()) {
		return nil
	}

	if err := r.chargeFeeLocked(id); err != nil {
		return err
	}
	reg := Registration{Signature: signature, TimestampNs: uint64(r.now().UnixNano())}
	raw, err := jsonx.Marshal(reg)
	if err != nil {
		return lederr.Wrap(lederr.CodeInvalidPayload, err, "failed to encode registration")
	}
	if _, err := r.chain.Upsert(kind.label(), id.Bytes(), raw); err != nil {
		return err
	}
	if err := r.rep.Bump(id, int64(config.RegistrationFeeE9s), "registration"); err != nil {
		return err
	}

	switch kind {
	case KindProvider:
		r.providers[id.String()] = struct{}{}
	case KindUser:
		r.users[id.String()] = struct{}{}
	}
	logx.Info("REGISTRY", "registered", id.String())
	return nil
}

func (r *Registry) chargeFeeLocked(id *identity.Identity) error {
	_, err := r.token.Burn(token.AccountFromPubkey(id.Bytes()), config.RegistrationFeeE9s, []byte("registration fee"))
	return err
}

func (r *Registry) registeredLocked(kind Kind, key string) bool {
	if kind == KindUser {
		_, ok := r.users[key]
		return ok
	}
	_, ok := r.providers[key]
	return ok
}

// IsProvider reports whether the identity registered as a node provider.
func (r *Registry) IsProvider(id *identity.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[id.String()]
	return ok
}

// IsUser reports whether the identity registered as a user.
func (r *Registry) IsUser(id *identity.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[id.String()]
	return ok
}

// UpdateProfile stores a provider's self-described profile document. The
// payload must be signed by the provider and the provider must already be
// registered.
func (r *Registry) UpdateProfile(id *identity.Identity, payload, signature []byte) error {
	return r.updateDocument(config.LabelNPProfile, id, payload, signature)
}

// UpdateOffering stores a provider's service offering document.
func (r *Registry) UpdateOffering(id *identity.Identity, payload, signature []byte) error {
	return r.updateDocument(config.LabelNPOffering, id, payload, signature)
}

func (r *Registry) updateDocument(label string, id *identity.Identity, payload, signature []byte) error {
	if !r.IsProvider(id) {
		return lederr.Newf(lederr.CodeNotRegistered, "%s is not a registered provider", id)
	}
	if err := id.Verify(payload, signature); err != nil {
		return err
	}
	doc := signedDocument{Payload: payload, Signature: signature}
	raw, err := jsonx.Marshal(doc)
	if err != nil {
		return lederr.Wrap(lederr.CodeInvalidPayload, err, "failed to encode document")
	}
	_, err = r.chain.Upsert(label, id.Bytes(), raw)
	return err
}

type signedDocument struct {
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
}

// Profile returns the latest profile document for a provider.
func (r *Registry) Profile(id *identity.Identity) ([]byte, bool, error) {
	return r.document(config.LabelNPProfile, id)
}

// Offering returns the latest offering document for a provider.
func (r *Registry) Offering(id *identity.Identity) ([]byte, bool, error) {
	return r.document(config.LabelNPOffering, id)
}

func (r *Registry) document(label string, id *identity.Identity) ([]byte, bool, error) {
	raw, found, err := r.chain.Get(label, id.Bytes())
	if err != nil || !found {
		return nil, found, err
	}
	var doc signedDocument
	if err := jsonx.Unmarshal(raw, &doc); err != nil {
		return nil, false, lederr.Wrap(lederr.CodeInvalidPayload, err, "undecodable stored document")
	}
	return doc.Payload, true, nil
}
