package archive

import (
	"github.com/decent-stuff/decent-cloud/ledger"
	"github.com/decent-stuff/decent-cloud/lederr"
	"github.com/decent-stuff/decent-cloud/logx"
)

// Migrator moves the oldest raw frames out of the primary store once the
// chain grows past the retention horizon. Hash and position indexes stay
// in the primary store forever; only the bulky frames move.
type Migrator struct {
	ledger  *ledger.Ledger
	archive *Store
	retain  uint64
}

func NewMigrator(l *ledger.Ledger, archive *Store, retainBlocks uint64) *Migrator {
	return &Migrator{ledger: l, archive: archive, retain: retainBlocks}
}

// Run migrates every block older than the retention horizon, oldest first.
// Each block is written durably to the archive before its frame leaves the
// primary store, so a crash mid-run loses nothing. Returns how many blocks
// moved.
func (m *Migrator) Run() (uint64, error) {
	count := m.ledger.BlocksCount()
	if count <= m.retain {
		return 0, nil
	}
	horizon := count - m.retain

	st := m.ledger.Store()
	first, err := st.FirstRetained()
	if err != nil {
		return 0, lederr.Wrap(lederr.CodeStorageIO, err, "failed to read retention mark")
	}

	var moved uint64
	for offset := first; offset < horizon; offset++ {
		raw, err := st.RawBlock(offset)
		if err != nil {
			return moved, err
		}
		if raw == nil {
			// Already migrated by an earlier run that crashed before
			// advancing the mark.
			if !m.archive.Covers(offset) {
				return moved, lederr.Newf(lederr.CodeStorePoisoned,
					"block %d is in neither the primary store nor the archive", offset)
			}
		} else {
			if err := m.archive.Put(offset, raw); err != nil {
				return moved, err
			}
			if err := st.DeleteRawBlock(offset); err != nil {
				return moved, err
			}
			moved++
		}
		if err := st.SetFirstRetained(offset + 1); err != nil {
			return moved, lederr.Wrap(lederr.CodeStorageIO, err, "failed to advance retention mark")
		}
	}
	if moved > 0 {
		logx.Info("ARCHIVE", moved, "block(s) migrated, first retained is now", horizon)
	}
	return moved, nil
}
