package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/decent-stuff/decent-cloud/block"
	"github.com/decent-stuff/decent-cloud/config"
	"github.com/decent-stuff/decent-cloud/lederr"
	"github.com/decent-stuff/decent-cloud/logx"
	"github.com/decent-stuff/decent-cloud/store"
	"github.com/decent-stuff/decent-cloud/types"
)

// ArchiveReader serves raw block frames that were migrated out of the
// primary store, and describes the ranges it covers for query delegation.
type ArchiveReader interface {
	RawBlock(offset uint64) ([]byte, error)
	Ranges() []Range
	Callback() string
}

// Range is a contiguous run of block offsets.
type Range struct {
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
}

// DelegatedRange tells the caller how to continue a historical query
// against a secondary store.
type DelegatedRange struct {
	Range    Range  `json:"range"`
	Callback string `json:"callback"`
}

// BlockRef identifies a committed block.
type BlockRef struct {
	Offset    uint64
	BlockHash [32]byte
}

var (
	// ErrEmptyBuffer is returned by Commit when there is nothing to seal.
	ErrEmptyBuffer = lederr.New(lederr.CodeInvalidRequest, "next-block buffer is empty")
)

// Ledger is the append-only, hash-chained entry store. Appends go into a
// single mutable next-block buffer; Commit seals the buffer into an
// immutable block. Committed state is the only ground truth; every
// interpreter cache is derived from it.
type Ledger struct {
	mu       sync.RWMutex // buffer + tip state
	commitMu sync.Mutex   // one in-flight commit

	store   *store.BlockStore
	archive ArchiveReader

	buffer      []types.Entry
	bufferKV    map[string][]byte // label\x00key -> op byte + value
	bufferBytes int

	nextOffset uint64
	parentHash [32]byte
	nextPos    uint64
	hashes     [][32]byte // all committed block hashes
	positions  []uint64   // stream start position per offset

	poisoned error // non-nil after an integrity failure; blocks all writes
}

// Open replays and verifies the committed chain from the store. A hash
// mismatch is fatal for writes: the ledger opens poisoned so the damage is
// never papered over by new blocks.
func Open(blockStore *store.BlockStore, archive ArchiveReader) (*Ledger, error) {
	l := &Ledger{
		store:    blockStore,
		archive:  archive,
		bufferKV: make(map[string][]byte),
	}
	if err := l.replay(); err != nil {
		if lederr.IsIntegrity(err) {
			l.poisoned = err
			logx.Error("LEDGER", "chain verification failed, store is write-poisoned: ", err)
			return l, err
		}
		return nil, err
	}
	logx.Info("LEDGER", fmt.Sprintf("opened with %d blocks, next position %d", l.nextOffset, l.nextPos))
	return l, nil
}

func (l *Ledger) replay() error {
	latest, exists, err := l.store.LatestOffset()
	if err != nil {
		return lederr.Wrap(lederr.CodeStorageIO, err, "failed to read chain tip")
	}
	if !exists {
		return nil
	}

	var parent [32]byte
	pos := uint64(0)
	for offset := uint64(0); offset <= latest; offset++ {
		storedHash, ok, err := l.store.BlockHash(offset)
		if err != nil {
			return lederr.Wrap(lederr.CodeStorageIO, err, "failed to read block hash")
		}
		if !ok {
			return lederr.Newf(lederr.CodeChainMismatch, "block %d hash missing from store", offset)
		}
		raw, err := l.rawBlock(offset)
		if err != nil {
			return err
		}
		if raw == nil {
			return lederr.Newf(lederr.CodeChainMismatch, "block %d unavailable in primary and archive", offset)
		}
		b, n, err := block.Unmarshal(raw)
		if err != nil {
			return lederr.Wrap(lederr.CodeChainMismatch, err, fmt.Sprintf("block %d does not decode", offset))
		}
		if b.Offset != offset {
			return lederr.Newf(lederr.CodeChainMismatch, "block at offset %d claims offset %d", offset, b.Offset)
		}
		if b.BlockHash != storedHash {
			return lederr.Newf(lederr.CodeChainMismatch, "block %d hash does not match stored hash", offset)
		}
		if b.ParentHash != parent {
			return lederr.Newf(lederr.CodeChainMismatch, "block %d parent hash does not chain to block %d", offset, offset-1)
		}
		l.hashes = append(l.hashes, b.BlockHash)
		l.positions = append(l.positions, pos)
		pos += uint64(n)
		parent = b.BlockHash
	}

	l.nextOffset = latest + 1
	l.parentHash = parent
	l.nextPos = pos
	return nil
}

func (l *Ledger) rawBlock(offset uint64) ([]byte, error) {
	raw, err := l.store.RawBlock(offset)
	if err != nil {
		return nil, lederr.Wrap(lederr.CodeStorageIO, err, "failed to read block")
	}
	if raw != nil {
		return raw, nil
	}
	if l.archive == nil {
		return nil, nil
	}
	raw, err = l.archive.RawBlock(offset)
	if err != nil {
		return nil, lederr.Wrap(lederr.CodeStorageIO, err, "failed to read archived block")
	}
	return raw, nil
}

// SetArchive attaches the archive reader. Done once at startup, before the
// ledger is shared.
func (l *Ledger) SetArchive(archive ArchiveReader) { l.archive = archive }

// Store exposes the underlying block store to the archive migrator.
func (l *Ledger) Store() *store.BlockStore { return l.store }

func bufferKey(label string, key []byte) string {
	return label + "\x00" + string(key)
}

// Append adds an entry to the next-block buffer. It never touches the disk;
// the only failures are size-ceiling violations and a poisoned store.
func (l *Ledger) Append(label string, key, value []byte, op types.Operation) (types.EntryRef, error) {
	entry := types.NewEntry(label, key, value, op)
	size := block.EncodedEntrySize(entry)
	if size > config.MaxEntryBytes {
		return types.EntryRef{}, lederr.Newf(lederr.CodeEntryTooLarge, "entry of %d bytes exceeds ceiling %d", size, config.MaxEntryBytes)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.poisoned != nil {
		return types.EntryRef{}, l.poisoned
	}
	if l.bufferBytes+size > config.MaxBlockBytes {
		return types.EntryRef{}, lederr.Newf(lederr.CodeBlockTooLarge, "next-block buffer would exceed ceiling %d bytes", config.MaxBlockBytes)
	}
	ref := types.EntryRef{BlockOffset: l.nextOffset, EntryIndex: len(l.buffer)}
	l.buffer = append(l.buffer, entry)
	l.bufferKV[bufferKey(label, key)] = append([]byte{byte(op)}, value...)
	l.bufferBytes += size
	return ref, nil
}

// Upsert is shorthand for Append with OpUpsert.
func (l *Ledger) Upsert(label string, key, value []byte) (types.EntryRef, error) {
	return l.Append(label, key, value, types.OpUpsert)
}

// Delete records a tombstone for (label, key).
func (l *Ledger) Delete(label string, key []byte) (types.EntryRef, error) {
	return l.Append(label, key, nil, types.OpDelete)
}

// Commit seals the next-block buffer into a new block. All-or-nothing: a
// persistence failure leaves the previous committed state unchanged and the
// buffer intact for retry.
func (l *Ledger) Commit() (BlockRef, error) {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.poisoned != nil {
		return BlockRef{}, l.poisoned
	}
	if len(l.buffer) == 0 {
		return BlockRef{}, ErrEmptyBuffer
	}

	b := block.Assemble(l.nextOffset, l.parentHash, uint64(time.Now().UnixNano()), l.buffer)
	raw := block.Marshal(b)
	if err := l.store.AppendBlock(b, raw, l.nextPos); err != nil {
		// Buffer untouched; the caller may retry the commit as-is.
		return BlockRef{}, lederr.Wrap(lederr.CodeStorageIO, err, "commit failed, buffer preserved")
	}

	l.hashes = append(l.hashes, b.BlockHash)
	l.positions = append(l.positions, l.nextPos)
	l.nextPos += uint64(len(raw))
	l.parentHash = b.BlockHash
	l.nextOffset++
	l.buffer = nil
	l.bufferKV = make(map[string][]byte)
	l.bufferBytes = 0

	logx.Info("LEDGER", fmt.Sprintf("committed block %d with %d entries", b.Offset, len(b.Entries)))
	return BlockRef{Offset: b.Offset, BlockHash: b.BlockHash}, nil
}

// AppendSealedBlock accepts an externally produced block, e.g. one fetched
// from a federation peer. The block must chain exactly onto the local tip;
// any break is rejected outright with no partial acceptance. Pushes
// serialize behind the same write discipline as local commits.
func (l *Ledger) AppendSealedBlock(b *block.Block) (BlockRef, error) {
	refs, err := l.AppendSealedBlocks([]*block.Block{b})
	if err != nil {
		return BlockRef{}, err
	}
	return refs[0], nil
}

// AppendSealedBlocks appends a contiguous run of sealed blocks as one unit.
// The whole run is verified first: the first block must chain onto the
// local tip, every later block onto its predecessor, every hash must
// verify. A break anywhere rejects the batch with the store untouched.
func (l *Ledger) AppendSealedBlocks(blocks []*block.Block) ([]BlockRef, error) {
	if len(blocks) == 0 {
		return nil, lederr.New(lederr.CodeInvalidRequest, "no blocks to append")
	}
	l.commitMu.Lock()
	defer l.commitMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.poisoned != nil {
		return nil, l.poisoned
	}
	offset := l.nextOffset
	parent := l.parentHash
	for _, b := range blocks {
		if b.Offset != offset || b.ParentHash != parent {
			return nil, lederr.Newf(lederr.CodeChainMismatch,
				"pushed block %d does not chain onto local tip %d", b.Offset, offset)
		}
		if !b.Verify() {
			return nil, lederr.Newf(lederr.CodeChainMismatch, "pushed block %d hash does not verify", b.Offset)
		}
		offset++
		parent = b.BlockHash
	}
	refs := make([]BlockRef, 0, len(blocks))
	for _, b := range blocks {
		raw := block.Marshal(b)
		if err := l.store.AppendBlock(b, raw, l.nextPos); err != nil {
			return nil, lederr.Wrap(lederr.CodeStorageIO, err, "failed to persist pushed block")
		}
		l.hashes = append(l.hashes, b.BlockHash)
		l.positions = append(l.positions, l.nextPos)
		l.nextPos += uint64(len(raw))
		l.parentHash = b.BlockHash
		l.nextOffset++
		refs = append(refs, BlockRef{Offset: b.Offset, BlockHash: b.BlockHash})
	}
	return refs, nil
}

// Poison marks the store as integrity-damaged. Every later write fails with
// the recorded reason. Used when a replica detects a fork during push.
func (l *Ledger) Poison(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.poisoned == nil {
		l.poisoned = err
		logx.Error("LEDGER", "store poisoned: ", err)
	}
}

// Poisoned returns the recorded integrity failure, if any.
func (l *Ledger) Poisoned() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.poisoned
}

// Get returns the latest value for (label, key). The next-block buffer is
// consulted first, so a just-appended value is immediately visible to the
// writer. Tombstoned keys report found=false.
func (l *Ledger) Get(label string, key []byte) ([]byte, bool, error) {
	l.mu.RLock()
	if raw, ok := l.bufferKV[bufferKey(label, key)]; ok {
		defer l.mu.RUnlock()
		if types.Operation(raw[0]) == types.OpDelete {
			return nil, false, nil
		}
		return raw[1:], true, nil
	}
	l.mu.RUnlock()

	value, found, deleted, err := l.store.KVGet(label, key)
	if err != nil {
		return nil, false, lederr.Wrap(lederr.CodeStorageIO, err, "point lookup failed")
	}
	if !found || deleted {
		return nil, false, nil
	}
	return value, true, nil
}

// NextBlockEntries returns a copy of the buffered entries, optionally
// filtered by label.
func (l *Ledger) NextBlockEntries(label string) []types.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.Entry
	for _, e := range l.buffer {
		if label == "" || e.Label == label {
			out = append(out, e)
		}
	}
	return out
}

// BlocksCount returns how many blocks are committed.
func (l *Ledger) BlocksCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextOffset
}

// LatestBlockHash returns the chain tip hash (zero for an empty chain).
// Check-ins sign this value so a liveness proof binds to a recent state.
func (l *Ledger) LatestBlockHash() [32]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.parentHash
}

// LatestBlockTimestampNs returns the tip block commit time, or zero.
func (l *Ledger) LatestBlockTimestampNs() uint64 {
	l.mu.RLock()
	tip := l.nextOffset
	l.mu.RUnlock()
	if tip == 0 {
		return 0
	}
	b, err := l.BlockAt(tip - 1)
	if err != nil || b == nil {
		return 0
	}
	return b.TimestampNs
}

// BlockAt loads one committed block, falling back to the archive.
func (l *Ledger) BlockAt(offset uint64) (*block.Block, error) {
	raw, err := l.rawBlock(offset)
	if err != nil || raw == nil {
		return nil, err
	}
	b, _, err := block.Unmarshal(raw)
	if err != nil {
		return nil, lederr.Wrap(lederr.CodeChainMismatch, err, fmt.Sprintf("block %d does not decode", offset))
	}
	return b, nil
}

// IterateBlocks walks committed blocks from start, archive included. The
// callback returns false to stop.
func (l *Ledger) IterateBlocks(start uint64, callback func(*block.Block) bool) error {
	end := l.BlocksCount()
	for offset := start; offset < end; offset++ {
		b, err := l.BlockAt(offset)
		if err != nil {
			return err
		}
		if b == nil {
			return lederr.Newf(lederr.CodeChainMismatch, "block %d unavailable in primary and archive", offset)
		}
		if !callback(b) {
			return nil
		}
	}
	return nil
}

// Certify produces a succinct proof binding the chain tip, verifiable by a
// client holding only the root.
func (l *Ledger) Certify() block.CertificationProof {
	l.mu.RLock()
	hashes := make([][32]byte, len(l.hashes))
	copy(hashes, l.hashes)
	l.mu.RUnlock()
	return block.BuildTipProof(hashes)
}

// StreamLength returns the total byte length of the serialized block stream.
func (l *Ledger) StreamLength() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextPos
}

// RetainedStreamBegin returns the stream position of the first block still
// held by the primary store. Bytes before it live only in the archive.
func (l *Ledger) RetainedStreamBegin() uint64 {
	first, err := l.store.FirstRetained()
	if err != nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if first >= uint64(len(l.positions)) {
		return l.nextPos
	}
	return l.positions[first]
}

// ReadStream returns whole block frames starting at the given byte
// position, up to maxBytes, together with the position after the last
// returned frame. Positions must be frame boundaries.
func (l *Ledger) ReadStream(position uint64, maxBytes int) ([]byte, uint64, error) {
	l.mu.RLock()
	positions := l.positions
	end := l.nextPos
	l.mu.RUnlock()

	if position == end {
		return nil, position, nil
	}
	if position > end {
		return nil, 0, lederr.Newf(lederr.CodeCursorOutOfRange, "position %d is past the end of the ledger at %d", position, end)
	}
	idx := sort.Search(len(positions), func(i int) bool { return positions[i] >= position })
	if idx == len(positions) || positions[idx] != position {
		return nil, 0, lederr.Newf(lederr.CodeCursorOutOfRange, "position %d is not a block boundary", position)
	}

	var out []byte
	next := position
	for offset := uint64(idx); offset < uint64(len(positions)); offset++ {
		raw, err := l.rawBlock(offset)
		if err != nil {
			return nil, 0, err
		}
		if raw == nil {
			return nil, 0, lederr.Newf(lederr.CodeChainMismatch, "block %d unavailable in primary and archive", offset)
		}
		if len(out) > 0 && len(out)+len(raw) > maxBytes {
			break
		}
		out = append(out, raw...)
		next += uint64(len(raw))
		if len(out) >= maxBytes {
			break
		}
	}
	return out, next, nil
}

// FingerprintAt returns the n stream bytes immediately before position,
// used by fetch callers as a cheap divergence check.
func (l *Ledger) FingerprintAt(position uint64, n int) ([]byte, error) {
	if position == 0 || n <= 0 {
		return nil, nil
	}
	l.mu.RLock()
	positions := l.positions
	end := l.nextPos
	l.mu.RUnlock()
	if position > end {
		return nil, lederr.Newf(lederr.CodeCursorOutOfRange, "position %d is past the end of the ledger at %d", position, end)
	}
	from := uint64(0)
	if position > uint64(n) {
		from = position - uint64(n)
	}
	// Locate the frame containing `from` and assemble the byte range.
	idx := sort.Search(len(positions), func(i int) bool { return positions[i] > from }) - 1
	if idx < 0 {
		idx = 0
	}
	var out []byte
	cursor := positions[idx]
	for offset := uint64(idx); offset < uint64(len(positions)) && cursor < position; offset++ {
		raw, err := l.rawBlock(offset)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, lederr.Newf(lederr.CodeChainMismatch, "block %d unavailable in primary and archive", offset)
		}
		lo := uint64(0)
		if from > cursor {
			lo = from - cursor
		}
		hi := uint64(len(raw))
		if cursor+hi > position {
			hi = position - cursor
		}
		if lo < hi {
			out = append(out, raw[lo:hi]...)
		}
		cursor += uint64(len(raw))
	}
	return out, nil
}
