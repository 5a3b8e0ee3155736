package block

import (
	"bytes"
	"crypto/sha256"
	"time"

	"github.com/decent-stuff/decent-cloud/types"
)

// Block is an immutable, hash-chained batch of entries with an assigned
// offset. ParentHash of block N equals BlockHash of block N-1 (genesis has a
// zero parent). BlockHash covers the canonical serialization of everything
// except the hash itself.
type Block struct {
	Offset      uint64
	ParentHash  [32]byte
	TimestampNs uint64
	Entries     []types.Entry
	BlockHash   [32]byte
}

// Assemble builds a block over the given entries and computes its hash.
func Assemble(offset uint64, parentHash [32]byte, timestampNs uint64, entries []types.Entry) *Block {
	b := &Block{
		Offset:      offset,
		ParentHash:  parentHash,
		TimestampNs: timestampNs,
		Entries:     entries,
	}
	b.BlockHash = b.computeHash()
	return b
}

func (b *Block) computeHash() [32]byte {
	return sha256.Sum256(b.payload())
}

// Verify recomputes the block hash and checks it against BlockHash.
func (b *Block) Verify() bool {
	return b.computeHash() == b.BlockHash
}

// ChainsTo reports whether b is a valid successor of parent.
func (b *Block) ChainsTo(parent *Block) bool {
	return b.Offset == parent.Offset+1 && bytes.Equal(b.ParentHash[:], parent.BlockHash[:])
}

// Timestamp returns the commit time as wall clock.
func (b *Block) Timestamp() time.Time {
	return time.Unix(0, int64(b.TimestampNs))
}
