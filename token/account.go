package token

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"
)

// Account is keyed by (owner pubkey, subaccount). The minting account has a
// zero owner; mints are transfers from it and burns are transfers to it.
type Account struct {
	Owner      []byte `json:"owner"`
	Subaccount []byte `json:"subaccount,omitempty"`
}

var mintingOwner = make([]byte, 32)

// AccountFromPubkey derives the default account of an identity.
func AccountFromPubkey(pubkey []byte) Account {
	owner := make([]byte, len(pubkey))
	copy(owner, pubkey)
	return Account{Owner: owner}
}

// MintingAccount returns the special supply account.
func MintingAccount() Account {
	return Account{Owner: append([]byte(nil), mintingOwner...)}
}

func (a Account) IsMinting() bool {
	return bytes.Equal(a.Owner, mintingOwner)
}

func (a Account) Equal(b Account) bool {
	return bytes.Equal(a.Owner, b.Owner) && bytes.Equal(a.Subaccount, b.Subaccount)
}

// cacheKey is the map key used by the balance and allowance caches.
func (a Account) cacheKey() string {
	return string(a.Owner) + "\x00" + string(a.Subaccount)
}

func (a Account) String() string {
	if a.IsMinting() {
		return "minting"
	}
	if len(a.Subaccount) == 0 {
		return base58.Encode(a.Owner)
	}
	return fmt.Sprintf("%s.%s", base58.Encode(a.Owner), base58.Encode(a.Subaccount))
}
