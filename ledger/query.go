package ledger

import (
	"github.com/decent-stuff/decent-cloud/block"
	"github.com/decent-stuff/decent-cloud/config"
	"github.com/decent-stuff/decent-cloud/lederr"
	"github.com/decent-stuff/decent-cloud/store"
	"github.com/decent-stuff/decent-cloud/types"
)

// QueryResult is one page of entries in insertion order. Tombstones are
// excluded from enumeration; TotalCount counts upsert entries only.
type QueryResult struct {
	Entries    []types.Entry
	HasMore    bool
	TotalCount uint64
}

// Query enumerates committed upsert entries, optionally filtered by label,
// paginated by offset/limit over the filtered sequence. Uncommitted entries
// from the next-block buffer are appended only on explicit opt-in, so the
// caller can distinguish durable reads from tentative ones.
func (l *Ledger) Query(label string, offset, limit uint64, includeNextBlock bool) (*QueryResult, error) {
	if limit == 0 {
		limit = config.DefaultQueryLimit
	}
	if limit > config.MaxQueryLimit {
		limit = config.MaxQueryLimit
	}

	res := &QueryResult{}
	committed, err := l.committedCount(label)
	if err != nil {
		return nil, err
	}
	res.TotalCount = committed

	var buffered []types.Entry
	if includeNextBlock {
		for _, e := range l.NextBlockEntries(label) {
			if e.Operation == types.OpUpsert {
				buffered = append(buffered, e)
			}
		}
		res.TotalCount += uint64(len(buffered))
	}

	if offset < committed {
		entries, err := l.committedPage(label, offset, limit)
		if err != nil {
			return nil, err
		}
		res.Entries = entries
	}
	if uint64(len(res.Entries)) < limit && offset+uint64(len(res.Entries)) >= committed {
		skip := offset + uint64(len(res.Entries)) - committed
		for _, e := range buffered {
			if skip > 0 {
				skip--
				continue
			}
			if uint64(len(res.Entries)) == limit {
				break
			}
			res.Entries = append(res.Entries, e)
		}
	}
	res.HasMore = offset+uint64(len(res.Entries)) < res.TotalCount
	return res, nil
}

func (l *Ledger) committedCount(label string) (uint64, error) {
	count, err := l.store.LabelCount(label)
	if err != nil {
		return 0, lederr.Wrap(lederr.CodeStorageIO, err, "failed to read label count")
	}
	return count, nil
}

// committedPage walks the committed sequence. Labeled queries go through
// the per-label index; unlabeled queries scan blocks directly.
func (l *Ledger) committedPage(label string, skip, limit uint64) ([]types.Entry, error) {
	var out []types.Entry
	if label == "" {
		err := l.IterateBlocks(0, func(b *block.Block) bool {
			for _, e := range b.Entries {
				if e.Operation != types.OpUpsert {
					continue
				}
				if skip > 0 {
					skip--
					continue
				}
				out = append(out, e)
				if uint64(len(out)) == limit {
					return false
				}
			}
			return true
		})
		return out, err
	}

	type pick struct {
		offset uint64
		idx    uint32
	}
	var picks []pick
	err := l.store.IterateLabel(label, func(loc store.EntryLocator) bool {
		if loc.Operation != types.OpUpsert {
			return true
		}
		if skip > 0 {
			skip--
			return true
		}
		picks = append(picks, pick{loc.Offset, loc.EntryIdx})
		return uint64(len(picks)) < limit
	})
	if err != nil {
		return nil, lederr.Wrap(lederr.CodeStorageIO, err, "label index scan failed")
	}

	var cached *block.Block
	for _, p := range picks {
		if cached == nil || cached.Offset != p.offset {
			b, err := l.BlockAt(p.offset)
			if err != nil {
				return nil, err
			}
			if b == nil {
				return nil, lederr.Newf(lederr.CodeChainMismatch, "block %d unavailable in primary and archive", p.offset)
			}
			cached = b
		}
		if int(p.idx) >= len(cached.Entries) {
			return nil, lederr.Newf(lederr.CodeChainMismatch, "label index points past block %d entries", p.offset)
		}
		out = append(out, cached.Entries[p.idx])
	}
	return out, nil
}

// BlocksResult is a contiguous range of retained blocks plus delegation
// references for the portion that lives in the archive. The union of the
// returned blocks and the delegated ranges covers the requested range
// gap-free.
type BlocksResult struct {
	Blocks    []*block.Block
	LogLength uint64
	Delegated []DelegatedRange
}

// GetBlocks returns blocks [start, start+length). Blocks that precede the
// locally retained prefix are reported via archive delegation rather than
// silently omitted.
func (l *Ledger) GetBlocks(start, length uint64) (*BlocksResult, error) {
	res := &BlocksResult{LogLength: l.BlocksCount()}
	if start >= res.LogLength || length == 0 {
		return res, nil
	}
	end := start + length
	if end > res.LogLength {
		end = res.LogLength
	}

	firstRetained, err := l.store.FirstRetained()
	if err != nil {
		return nil, lederr.Wrap(lederr.CodeStorageIO, err, "failed to read archive boundary")
	}

	if start < firstRetained && l.archive != nil {
		callback := l.archive.Callback()
		for _, r := range l.archive.Ranges() {
			lo, hi := r.Start, r.Start+r.Length
			if lo < start {
				lo = start
			}
			if hi > end {
				hi = end
			}
			if hi > firstRetained {
				hi = firstRetained
			}
			if lo < hi {
				res.Delegated = append(res.Delegated, DelegatedRange{
					Range:    Range{Start: lo, Length: hi - lo},
					Callback: callback,
				})
			}
		}
	}

	from := start
	if from < firstRetained {
		from = firstRetained
	}
	for offset := from; offset < end; offset++ {
		b, err := l.store.Block(offset)
		if err != nil {
			return nil, lederr.Wrap(lederr.CodeStorageIO, err, "failed to read block")
		}
		if b == nil {
			return nil, lederr.Newf(lederr.CodeChainMismatch, "retained block %d missing", offset)
		}
		res.Blocks = append(res.Blocks, b)
	}
	return res, nil
}
