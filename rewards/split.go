package rewards

import "github.com/holiman/uint256"

// Recipient is one identity eligible for the current cycle's reward,
// together with whatever weight the active strategy cares about.
type Recipient struct {
	Key    string // base58 public key
	Weight uint64
}

// SplitStrategy divides one cycle's emission among the eligible
// recipients. Implementations must conserve the total exactly: the
// returned shares sum to totalE9s whenever recipients is non-empty.
type SplitStrategy interface {
	Name() string
	Split(totalE9s uint64, recipients []Recipient) []uint64
}

// EqualSplit gives every recipient the same share. Division dust goes one
// unit at a time to the earliest recipients so nothing is lost.
type EqualSplit struct{}

func (EqualSplit) Name() string { return "equal" }

func (EqualSplit) Split(totalE9s uint64, recipients []Recipient) []uint64 {
	n := uint64(len(recipients))
	if n == 0 {
		return nil
	}
	shares := make([]uint64, n)
	base := totalE9s / n
	rem := totalE9s - base*n
	for i := range shares {
		shares[i] = base
		if uint64(i) < rem {
			shares[i]++
		}
	}
	return shares
}

// WeightedSplit divides proportionally to recipient weights, falling back
// to an equal split when every weight is zero.
type WeightedSplit struct{}

func (WeightedSplit) Name() string { return "reputation-weighted" }

func (WeightedSplit) Split(totalE9s uint64, recipients []Recipient) []uint64 {
	n := len(recipients)
	if n == 0 {
		return nil
	}
	var totalWeight uint64
	for _, r := range recipients {
		totalWeight += r.Weight
	}
	if totalWeight == 0 {
		return EqualSplit{}.Split(totalE9s, recipients)
	}
	shares := make([]uint64, n)
	var assigned uint64
	for i, r := range recipients {
		share := mulDiv(totalE9s, r.Weight, totalWeight)
		shares[i] = share
		assigned += share
	}
	for i := 0; assigned < totalE9s; i = (i + 1) % n {
		shares[i]++
		assigned++
	}
	return shares
}

// mulDiv computes a*b/d with a wide intermediate so large reputation
// weights cannot overflow the product.
func mulDiv(a, b, d uint64) uint64 {
	x := new(uint256.Int).SetUint64(a)
	x.Mul(x, new(uint256.Int).SetUint64(b))
	x.Div(x, new(uint256.Int).SetUint64(d))
	return x.Uint64()
}
