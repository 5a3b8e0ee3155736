package rewards

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sum(shares []uint64) uint64 {
	var total uint64
	for _, s := range shares {
		total += s
	}
	return total
}

func TestEqualSplitExact(t *testing.T) {
	shares := EqualSplit{}.Split(600, []Recipient{{Key: "a"}, {Key: "b"}, {Key: "c"}})
	assert.Equal(t, []uint64{200, 200, 200}, shares)
}

func TestEqualSplitDustGoesToEarliest(t *testing.T) {
	shares := EqualSplit{}.Split(100, []Recipient{{Key: "a"}, {Key: "b"}, {Key: "c"}})
	assert.Equal(t, []uint64{34, 33, 33}, shares)
	assert.Equal(t, uint64(100), sum(shares))
}

func TestEqualSplitNoRecipients(t *testing.T) {
	assert.Nil(t, EqualSplit{}.Split(100, nil))
}

func TestWeightedSplitProportional(t *testing.T) {
	shares := WeightedSplit{}.Split(1000, []Recipient{
		{Key: "a", Weight: 3},
		{Key: "b", Weight: 1},
	})
	assert.Equal(t, []uint64{750, 250}, shares)
}

func TestWeightedSplitConservesTotal(t *testing.T) {
	recipients := []Recipient{
		{Key: "a", Weight: 7},
		{Key: "b", Weight: 11},
		{Key: "c", Weight: 13},
	}
	shares := WeightedSplit{}.Split(999, recipients)
	assert.Equal(t, uint64(999), sum(shares))
}

func TestWeightedSplitZeroWeightsFallsBackToEqual(t *testing.T) {
	recipients := []Recipient{{Key: "a"}, {Key: "b"}}
	shares := WeightedSplit{}.Split(10, recipients)
	assert.Equal(t, []uint64{5, 5}, shares)
}

func TestWeightedSplitHugeWeights(t *testing.T) {
	// Products beyond 64 bits must not wrap.
	recipients := []Recipient{
		{Key: "a", Weight: 1 << 62},
		{Key: "b", Weight: 1 << 62},
	}
	shares := WeightedSplit{}.Split(1_000_000, recipients)
	assert.Equal(t, []uint64{500_000, 500_000}, shares)
}
