package block

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafHashes(n int) [][32]byte {
	out := make([][32]byte, n)
	for i := range out {
		out[i] = sha256.Sum256([]byte{byte(i)})
	}
	return out
}

func TestMerkleRootSingleLeaf(t *testing.T) {
	leaves := leafHashes(1)
	assert.Equal(t, leaves[0], MerkleRoot(leaves))
}

func TestTipProofVerifies(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 8, 13, 64, 100} {
		leaves := leafHashes(n)
		proof := BuildTipProof(leaves)

		require.Equal(t, uint64(n), proof.LogLength, "n=%d", n)
		assert.Equal(t, leaves[n-1], proof.TipHash, "n=%d", n)
		assert.Equal(t, MerkleRoot(leaves), proof.Root, "n=%d", n)
		assert.True(t, VerifyTipProof(proof), "n=%d", n)
	}
}

func TestTipProofRejectsWrongTip(t *testing.T) {
	leaves := leafHashes(7)
	proof := BuildTipProof(leaves)
	proof.TipHash[0] ^= 0x01
	assert.False(t, VerifyTipProof(proof))
}

func TestTipProofRejectsWrongRoot(t *testing.T) {
	leaves := leafHashes(7)
	proof := BuildTipProof(leaves)
	proof.Root[31] ^= 0x01
	assert.False(t, VerifyTipProof(proof))
}

func TestTipProofEmptyLog(t *testing.T) {
	proof := BuildTipProof(nil)
	assert.Equal(t, uint64(0), proof.LogLength)
}
