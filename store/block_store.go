package store

import (
	"encoding/binary"
	"fmt"

	"github.com/decent-stuff/decent-cloud/block"
	"github.com/decent-stuff/decent-cloud/db"
	"github.com/decent-stuff/decent-cloud/types"
)

// BlockStore persists the committed block sequence plus the derived indexes
// needed for point lookups and filtered scans. All writes for one commit go
// through a single provider batch, so a torn commit can never surface.
type BlockStore struct {
	provider db.IterableProvider
}

func NewBlockStore(provider db.IterableProvider) *BlockStore {
	return &BlockStore{provider: provider}
}

func (s *BlockStore) Provider() db.IterableProvider { return s.provider }

func (s *BlockStore) Close() error { return s.provider.Close() }

func blockKey(offset uint64) []byte {
	return appendUint64([]byte(PrefixBlock), offset)
}

func blockHashKey(offset uint64) []byte {
	return appendUint64([]byte(PrefixBlockHash), offset)
}

func blockPosKey(position uint64) []byte {
	return appendUint64([]byte(PrefixBlockPos), position)
}

func kvKey(label string, key []byte) []byte {
	out := append([]byte(PrefixKV), label...)
	out = append(out, 0)
	return append(out, key...)
}

func labelIdxKey(label string, offset uint64, entryIdx uint32) []byte {
	out := append([]byte(PrefixLabelIdx), label...)
	out = append(out, 0)
	out = appendUint64(out, offset)
	return binary.BigEndian.AppendUint32(out, entryIdx)
}

func metaKey(name string) []byte {
	return append([]byte(PrefixMeta), name...)
}

func appendUint64(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

// AppendBlock writes a sealed block and every derived index in one atomic
// batch: raw frame, hash, stream position, per-label index, kv index, label
// counters and the chain metadata.
func (s *BlockStore) AppendBlock(b *block.Block, raw []byte, startPos uint64) error {
	batch := s.provider.Batch()
	defer batch.Close()

	batch.Put(blockKey(b.Offset), raw)
	batch.Put(blockHashKey(b.Offset), b.BlockHash[:])
	batch.Put(blockPosKey(startPos), appendUint64(nil, b.Offset))

	labelUpserts := make(map[string]uint64)
	for i, e := range b.Entries {
		batch.Put(labelIdxKey(e.Label, b.Offset, uint32(i)), []byte{byte(e.Operation)})
		val := append([]byte{byte(e.Operation)}, e.Value...)
		batch.Put(kvKey(e.Label, e.Key), val)
		if e.Operation == types.OpUpsert {
			labelUpserts[e.Label]++
			// the empty label doubles as the global upsert counter
			labelUpserts[""]++
		}
	}
	for label, added := range labelUpserts {
		count, err := s.LabelCount(label)
		if err != nil {
			return err
		}
		batch.Put(metaKey(MetaKeyLabelCount+label), appendUint64(nil, count+added))
	}

	batch.Put(metaKey(MetaKeyLatestOffset), appendUint64(nil, b.Offset))
	batch.Put(metaKey(MetaKeyNextPosition), appendUint64(nil, startPos+uint64(len(raw))))

	if err := batch.Write(); err != nil {
		return fmt.Errorf("failed to write block %d: %w", b.Offset, err)
	}
	return nil
}

// RawBlock returns the canonical frame of a block, or nil if the block is
// not retained locally.
func (s *BlockStore) RawBlock(offset uint64) ([]byte, error) {
	return s.provider.Get(blockKey(offset))
}

// Block decodes a locally retained block, or returns nil.
func (s *BlockStore) Block(offset uint64) (*block.Block, error) {
	raw, err := s.RawBlock(offset)
	if err != nil || raw == nil {
		return nil, err
	}
	b, _, err := block.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("block %d corrupt on disk: %w", offset, err)
	}
	return b, nil
}

// BlockHash returns the stored hash for any block ever committed, archived
// or not.
func (s *BlockStore) BlockHash(offset uint64) ([32]byte, bool, error) {
	var hash [32]byte
	raw, err := s.provider.Get(blockHashKey(offset))
	if err != nil || raw == nil {
		return hash, false, err
	}
	copy(hash[:], raw)
	return hash, true, nil
}

// OffsetAtPosition maps a byte position in the serialized stream to the
// block starting exactly there.
func (s *BlockStore) OffsetAtPosition(position uint64) (uint64, bool, error) {
	raw, err := s.provider.Get(blockPosKey(position))
	if err != nil || raw == nil {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// DeleteRawBlock removes only the raw frame, used when a block migrates to
// the archive. Hash, position and index entries stay.
func (s *BlockStore) DeleteRawBlock(offset uint64) error {
	return s.provider.Delete(blockKey(offset))
}

// KVGet returns the latest committed value for (label, key). A tombstoned
// key reports deleted=true.
func (s *BlockStore) KVGet(label string, key []byte) (value []byte, found bool, deleted bool, err error) {
	raw, err := s.provider.Get(kvKey(label, key))
	if err != nil || raw == nil {
		return nil, false, false, err
	}
	if types.Operation(raw[0]) == types.OpDelete {
		return nil, true, true, nil
	}
	return raw[1:], true, false, nil
}

// EntryLocator identifies one entry of one committed block.
type EntryLocator struct {
	Offset    uint64
	EntryIdx  uint32
	Operation types.Operation
}

// IterateLabel walks the label index in insertion order. The callback
// returns false to stop.
func (s *BlockStore) IterateLabel(label string, callback func(EntryLocator) bool) error {
	prefix := append([]byte(PrefixLabelIdx), label...)
	prefix = append(prefix, 0)
	return s.provider.IteratePrefix(prefix, func(key, value []byte) bool {
		tail := key[len(prefix):]
		if len(tail) != 12 || len(value) != 1 {
			return true
		}
		return callback(EntryLocator{
			Offset:    binary.BigEndian.Uint64(tail[:8]),
			EntryIdx:  binary.BigEndian.Uint32(tail[8:]),
			Operation: types.Operation(value[0]),
		})
	})
}

// LabelCount returns how many upsert entries were ever committed under label.
func (s *BlockStore) LabelCount(label string) (uint64, error) {
	raw, err := s.provider.Get(metaKey(MetaKeyLabelCount + label))
	if err != nil || raw == nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *BlockStore) getMetaUint64(name string) (uint64, bool, error) {
	raw, err := s.provider.Get(metaKey(name))
	if err != nil || raw == nil {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// LatestOffset returns the offset of the chain tip, if any block exists.
func (s *BlockStore) LatestOffset() (uint64, bool, error) {
	return s.getMetaUint64(MetaKeyLatestOffset)
}

// NextPosition returns the byte position where the next block frame starts.
func (s *BlockStore) NextPosition() (uint64, error) {
	pos, _, err := s.getMetaUint64(MetaKeyNextPosition)
	return pos, err
}

// FirstRetained returns the lowest offset whose raw frame is still local.
func (s *BlockStore) FirstRetained() (uint64, error) {
	v, _, err := s.getMetaUint64(MetaKeyFirstRetained)
	return v, err
}

// SetFirstRetained records the new archive boundary.
func (s *BlockStore) SetFirstRetained(offset uint64) error {
	return s.provider.Put(metaKey(MetaKeyFirstRetained), appendUint64(nil, offset))
}
