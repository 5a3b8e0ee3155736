package archive

import (
	"encoding/binary"
	"sync"

	"github.com/decent-stuff/decent-cloud/db"
	"github.com/decent-stuff/decent-cloud/ledger"
	"github.com/decent-stuff/decent-cloud/lederr"
)

var (
	keyPrefixRaw = []byte("arc:")
	keyRanges    = []byte("arc_ranges")
)

// Store is the cold tier. It holds raw block frames migrated out of the
// primary store and answers historical reads through the ArchiveReader
// interface. The callback string travels with delegated query responses so
// clients know where to continue.
type Store struct {
	mu       sync.RWMutex
	provider db.DatabaseProvider
	callback string
	ranges   []ledger.Range
}

// Open loads the range directory from the provider. An empty provider
// yields an archive covering nothing.
func Open(provider db.DatabaseProvider, callback string) (*Store, error) {
	s := &Store{provider: provider, callback: callback}
	raw, err := provider.Get(keyRanges)
	if err != nil {
		return nil, lederr.Wrap(lederr.CodeStorageIO, err, "failed to read archive range directory")
	}
	if raw != nil {
		ranges, err := decodeRanges(raw)
		if err != nil {
			return nil, err
		}
		s.ranges = ranges
	}
	return s, nil
}

func rawKey(offset uint64) []byte {
	key := make([]byte, len(keyPrefixRaw)+8)
	copy(key, keyPrefixRaw)
	binary.BigEndian.PutUint64(key[len(keyPrefixRaw):], offset)
	return key
}

// RawBlock returns the archived frame for the given offset, or nil when
// the archive does not cover it.
func (s *Store) RawBlock(offset uint64) ([]byte, error) {
	raw, err := s.provider.Get(rawKey(offset))
	if err != nil {
		return nil, lederr.Wrap(lederr.CodeStorageIO, err, "failed to read archived block")
	}
	return raw, nil
}

// Ranges returns the contiguous offset runs this archive covers.
func (s *Store) Ranges() []ledger.Range {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Callback names where delegated queries should be sent.
func (s *Store) Callback() string { return s.callback }

// Put stores one frame and folds the offset into the range directory in the
// same batch, so a crash never leaves a frame the directory does not know.
func (s *Store) Put(offset uint64, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := mergeOffset(s.ranges, offset)
	batch := s.provider.Batch()
	batch.Put(rawKey(offset), raw)
	batch.Put(keyRanges, encodeRanges(merged))
	if err := batch.Write(); err != nil {
		return lederr.Wrap(lederr.CodeStorageIO, err, "failed to write archived block")
	}
	s.ranges = merged
	return nil
}

// Covers reports whether the archive holds the given offset.
func (s *Store) Covers(offset uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.ranges {
		if offset >= r.Start && offset < r.Start+r.Length {
			return true
		}
	}
	return false
}

func (s *Store) Close() error { return s.provider.Close() }

// mergeOffset extends or inserts a run so the directory stays sorted and
// maximally coalesced.
func mergeOffset(ranges []ledger.Range, offset uint64) []ledger.Range {
	out := make([]ledger.Range, 0, len(ranges)+1)
	placed := false
	for _, r := range ranges {
		switch {
		case offset >= r.Start && offset < r.Start+r.Length:
			placed = true
			out = append(out, r)
		case offset == r.Start+r.Length:
			placed = true
			out = append(out, ledger.Range{Start: r.Start, Length: r.Length + 1})
		case offset+1 == r.Start && !placed:
			placed = true
			out = append(out, ledger.Range{Start: offset, Length: r.Length + 1})
		case offset < r.Start && !placed:
			placed = true
			out = append(out, ledger.Range{Start: offset, Length: 1}, r)
		default:
			out = append(out, r)
		}
	}
	if !placed {
		out = append(out, ledger.Range{Start: offset, Length: 1})
	}
	// Coalesce runs that became adjacent.
	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 && merged[n-1].Start+merged[n-1].Length == r.Start {
			merged[n-1].Length += r.Length
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func encodeRanges(ranges []ledger.Range) []byte {
	buf := make([]byte, 4+16*len(ranges))
	binary.BigEndian.PutUint32(buf, uint32(len(ranges)))
	for i, r := range ranges {
		binary.BigEndian.PutUint64(buf[4+16*i:], r.Start)
		binary.BigEndian.PutUint64(buf[12+16*i:], r.Length)
	}
	return buf
}

func decodeRanges(raw []byte) ([]ledger.Range, error) {
	if len(raw) < 4 {
		return nil, lederr.New(lederr.CodeStorePoisoned, "archive range directory is truncated")
	}
	count := binary.BigEndian.Uint32(raw)
	if len(raw) != 4+16*int(count) {
		return nil, lederr.New(lederr.CodeStorePoisoned, "archive range directory has a bad length")
	}
	ranges := make([]ledger.Range, count)
	for i := range ranges {
		ranges[i].Start = binary.BigEndian.Uint64(raw[4+16*i:])
		ranges[i].Length = binary.BigEndian.Uint64(raw[12+16*i:])
	}
	return ranges, nil
}
