package identity

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/mr-tron/base58"

	"github.com/decent-stuff/decent-cloud/config"
	"github.com/decent-stuff/decent-cloud/lederr"
)

// Identity is a public key classified as provider, user or validator by the
// registration entries recorded against it. Identities are never deleted.
type Identity struct {
	pubkey ed25519.PublicKey
}

// FromBytes validates and wraps a raw ed25519 public key.
func FromBytes(pubkey []byte) (*Identity, error) {
	if len(pubkey) != ed25519.PublicKeySize || len(pubkey) > config.MaxPubkeyBytes {
		return nil, lederr.Newf(lederr.CodeInvalidPubkey, "invalid ed25519 public key length %d", len(pubkey))
	}
	key := make([]byte, ed25519.PublicKeySize)
	copy(key, pubkey)
	return &Identity{pubkey: key}, nil
}

// FromString parses the base58 text form.
func FromString(s string) (*Identity, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, lederr.Wrap(lederr.CodeInvalidPubkey, err, "public key is not valid base58")
	}
	return FromBytes(raw)
}

// Bytes returns the raw public key.
func (id *Identity) Bytes() []byte {
	out := make([]byte, len(id.pubkey))
	copy(out, id.pubkey)
	return out
}

// String returns the base58 text form.
func (id *Identity) String() string {
	return base58.Encode(id.pubkey)
}

// Verify checks an ed25519 signature over msg.
func (id *Identity) Verify(msg, sig []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return lederr.Newf(lederr.CodeInvalidSignature, "invalid signature length %d", len(sig))
	}
	if !ed25519.Verify(id.pubkey, msg, sig) {
		return lederr.New(lederr.CodeInvalidSignature, "signature does not verify")
	}
	return nil
}

// Signer is a full keypair, used by the node itself and by tests.
type Signer struct {
	Identity
	priv ed25519.PrivateKey
}

// NewSigner wraps an ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{
		Identity: Identity{pubkey: priv.Public().(ed25519.PublicKey)},
		priv:     priv,
	}
}

// Generate creates a fresh keypair.
func Generate() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewSigner(priv), nil
}

// Sign signs msg with the private key.
func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}
