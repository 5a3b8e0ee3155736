package archive

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decent-stuff/decent-cloud/block"
	"github.com/decent-stuff/decent-cloud/db"
	"github.com/decent-stuff/decent-cloud/ledger"
	"github.com/decent-stuff/decent-cloud/store"
)

func newTestArchive(t *testing.T) *Store {
	t.Helper()
	provider, err := db.NewBoltProvider(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	s, err := Open(provider, "http://cold.example:9333")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLedger(t *testing.T, arc *Store) *ledger.Ledger {
	t.Helper()
	provider, err := db.NewLevelDBProvider(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })
	l, err := ledger.Open(store.NewBlockStore(provider), arc)
	require.NoError(t, err)
	return l
}

func seedBlocks(t *testing.T, l *ledger.Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Upsert("NPProfile", []byte{byte(i)}, []byte("doc"))
		require.NoError(t, err)
		_, err = l.Commit()
		require.NoError(t, err)
	}
}

func TestPutAndCovers(t *testing.T) {
	arc := newTestArchive(t)

	require.NoError(t, arc.Put(0, []byte("frame0")))
	require.NoError(t, arc.Put(1, []byte("frame1")))
	require.NoError(t, arc.Put(5, []byte("frame5")))

	assert.True(t, arc.Covers(0))
	assert.True(t, arc.Covers(1))
	assert.False(t, arc.Covers(2))
	assert.True(t, arc.Covers(5))

	raw, err := arc.RawBlock(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame1"), raw)
	raw, err = arc.RawBlock(3)
	require.NoError(t, err)
	assert.Nil(t, raw)

	assert.Equal(t, []ledger.Range{{Start: 0, Length: 2}, {Start: 5, Length: 1}}, arc.Ranges())
}

func TestRangesCoalesce(t *testing.T) {
	arc := newTestArchive(t)

	// Filling the gap between two runs collapses them into one.
	require.NoError(t, arc.Put(0, []byte("a")))
	require.NoError(t, arc.Put(2, []byte("c")))
	require.NoError(t, arc.Put(1, []byte("b")))

	assert.Equal(t, []ledger.Range{{Start: 0, Length: 3}}, arc.Ranges())
}

func TestRangeDirectorySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	provider, err := db.NewBoltProvider(path)
	require.NoError(t, err)
	arc, err := Open(provider, "http://cold.example:9333")
	require.NoError(t, err)
	require.NoError(t, arc.Put(0, []byte("a")))
	require.NoError(t, arc.Put(1, []byte("b")))
	require.NoError(t, arc.Close())

	provider, err = db.NewBoltProvider(path)
	require.NoError(t, err)
	arc, err = Open(provider, "http://cold.example:9333")
	require.NoError(t, err)
	t.Cleanup(func() { arc.Close() })

	assert.Equal(t, []ledger.Range{{Start: 0, Length: 2}}, arc.Ranges())
	raw, err := arc.RawBlock(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), raw)
}

func TestMigratorMovesOldBlocks(t *testing.T) {
	arc := newTestArchive(t)
	l := newTestLedger(t, arc)
	seedBlocks(t, l, 5)

	moved, err := NewMigrator(l, arc, 2).Run()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), moved)

	st := l.Store()
	first, err := st.FirstRetained()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), first)

	// Migrated frames are gone from the primary store but covered cold.
	for offset := uint64(0); offset < 3; offset++ {
		raw, err := st.RawBlock(offset)
		require.NoError(t, err)
		assert.Nil(t, raw)
		assert.True(t, arc.Covers(offset))
	}
	raw, err := st.RawBlock(3)
	require.NoError(t, err)
	assert.NotNil(t, raw)
}

func TestMigratorIsIdempotent(t *testing.T) {
	arc := newTestArchive(t)
	l := newTestLedger(t, arc)
	seedBlocks(t, l, 4)

	m := NewMigrator(l, arc, 1)
	moved, err := m.Run()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), moved)

	moved, err = m.Run()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), moved)
}

func TestLedgerReadsThroughArchive(t *testing.T) {
	arc := newTestArchive(t)
	l := newTestLedger(t, arc)
	seedBlocks(t, l, 5)
	tip := l.LatestBlockHash()

	_, err := NewMigrator(l, arc, 2).Run()
	require.NoError(t, err)

	// Keyed reads and block walks still cover migrated history.
	val, ok, err := l.Get("NPProfile", []byte{0})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("doc"), val)

	b, err := l.BlockAt(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Offset)

	var walked int
	require.NoError(t, l.IterateBlocks(0, func(b *block.Block) bool {
		walked++
		return true
	}))
	assert.Equal(t, 5, walked)
	assert.Equal(t, tip, l.LatestBlockHash())
}

func TestReopenedLedgerReplaysFromArchive(t *testing.T) {
	arc := newTestArchive(t)

	provider, err := db.NewLevelDBProvider(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })
	l, err := ledger.Open(store.NewBlockStore(provider), arc)
	require.NoError(t, err)
	seedBlocks(t, l, 5)
	tip := l.LatestBlockHash()

	_, err = NewMigrator(l, arc, 2).Run()
	require.NoError(t, err)

	reopened, err := ledger.Open(store.NewBlockStore(provider), arc)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), reopened.BlocksCount())
	assert.Equal(t, tip, reopened.LatestBlockHash())
}
