package ledger

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decent-stuff/decent-cloud/block"
	"github.com/decent-stuff/decent-cloud/config"
	"github.com/decent-stuff/decent-cloud/db"
	"github.com/decent-stuff/decent-cloud/lederr"
	"github.com/decent-stuff/decent-cloud/store"
	"github.com/decent-stuff/decent-cloud/types"
)

func newTestStore(t *testing.T) *store.BlockStore {
	t.Helper()
	provider, err := db.NewLevelDBProvider(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })
	return store.NewBlockStore(provider)
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(newTestStore(t), nil)
	require.NoError(t, err)
	return l
}

func TestOpenEmpty(t *testing.T) {
	l := newTestLedger(t)
	assert.Equal(t, uint64(0), l.BlocksCount())
	assert.Equal(t, uint64(0), l.StreamLength())
	assert.Equal(t, [32]byte{}, l.LatestBlockHash())
}

func TestAppendCommitGet(t *testing.T) {
	l := newTestLedger(t)

	ref, err := l.Upsert("NPProfile", []byte("alice"), []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ref.BlockOffset)
	assert.Equal(t, 0, ref.EntryIndex)

	// Visible from the buffer before any commit.
	v, found, err := l.Get("NPProfile", []byte("alice"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), v)

	bref, err := l.Commit()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), bref.Offset)
	assert.Equal(t, uint64(1), l.BlocksCount())

	// Still visible from the committed store.
	v, found, err = l.Get("NPProfile", []byte("alice"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), v)
}

func TestBufferShadowsCommitted(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Upsert("NPProfile", []byte("k"), []byte("old"))
	require.NoError(t, err)
	_, err = l.Commit()
	require.NoError(t, err)

	_, err = l.Upsert("NPProfile", []byte("k"), []byte("new"))
	require.NoError(t, err)

	v, found, err := l.Get("NPProfile", []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("new"), v)
}

func TestDeleteTombstone(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Upsert("NPProfile", []byte("k"), []byte("v"))
	require.NoError(t, err)
	_, err = l.Commit()
	require.NoError(t, err)

	_, err = l.Delete("NPProfile", []byte("k"))
	require.NoError(t, err)

	// Tombstone in the buffer hides the committed value.
	_, found, err := l.Get("NPProfile", []byte("k"))
	require.NoError(t, err)
	assert.False(t, found)

	_, err = l.Commit()
	require.NoError(t, err)
	_, found, err = l.Get("NPProfile", []byte("k"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCommitEmptyBuffer(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Commit()
	assert.ErrorIs(t, err, ErrEmptyBuffer)
}

func TestEntryTooLarge(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Upsert("big", []byte("k"), make([]byte, config.MaxEntryBytes+1))
	assert.Equal(t, lederr.CodeEntryTooLarge, lederr.CodeOf(err))
}

func TestReopenReplaysChain(t *testing.T) {
	st := newTestStore(t)
	l, err := Open(st, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = l.Upsert("NPCheckIn", []byte{byte(i)}, []byte("proof"))
		require.NoError(t, err)
		_, err = l.Commit()
		require.NoError(t, err)
	}
	tip := l.LatestBlockHash()
	length := l.StreamLength()

	reopened, err := Open(st, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), reopened.BlocksCount())
	assert.Equal(t, tip, reopened.LatestBlockHash())
	assert.Equal(t, length, reopened.StreamLength())
}

func TestTamperedBlockPoisonsStore(t *testing.T) {
	st := newTestStore(t)
	l, err := Open(st, nil)
	require.NoError(t, err)

	_, err = l.Upsert("NPProfile", []byte("k"), []byte("v"))
	require.NoError(t, err)
	_, err = l.Commit()
	require.NoError(t, err)

	// Corrupt the stored frame behind the ledger's back.
	key := binary.BigEndian.AppendUint64([]byte(store.PrefixBlock), 0)
	raw, err := st.Provider().Get(key)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	require.NoError(t, st.Provider().Put(key, raw))

	poisoned, err := Open(st, nil)
	require.Error(t, err)
	assert.True(t, lederr.IsIntegrity(err))
	require.NotNil(t, poisoned)

	// Writes are refused on a poisoned store.
	_, err = poisoned.Upsert("NPProfile", []byte("k2"), []byte("v2"))
	assert.Error(t, err)
	_, err = poisoned.Commit()
	assert.Error(t, err)
}

func TestReadStream(t *testing.T) {
	l := newTestLedger(t)

	var frames [][]byte
	for i := 0; i < 3; i++ {
		_, err := l.Upsert("L", []byte{byte(i)}, []byte("v"))
		require.NoError(t, err)
		_, err = l.Commit()
		require.NoError(t, err)
		b, err := l.BlockAt(uint64(i))
		require.NoError(t, err)
		frames = append(frames, block.Marshal(b))
	}

	// Whole stream in one read.
	data, next, err := l.ReadStream(0, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, l.StreamLength(), next)
	assert.Equal(t, int(l.StreamLength()), len(data))

	// One frame at a time.
	pos := uint64(0)
	for i := 0; i < 3; i++ {
		data, nextPos, err := l.ReadStream(pos, len(frames[i]))
		require.NoError(t, err)
		assert.Equal(t, frames[i], data)
		pos = nextPos
	}
	assert.Equal(t, l.StreamLength(), pos)

	// End of stream reads empty.
	data, next, err = l.ReadStream(l.StreamLength(), 100)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, l.StreamLength(), next)

	// Mid-frame positions are rejected.
	_, _, err = l.ReadStream(1, 100)
	assert.Equal(t, lederr.CodeCursorOutOfRange, lederr.CodeOf(err))

	// Past-the-end positions are rejected.
	_, _, err = l.ReadStream(l.StreamLength()+1, 100)
	assert.Equal(t, lederr.CodeCursorOutOfRange, lederr.CodeOf(err))
}

func TestFingerprintAt(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Upsert("L", []byte("k"), []byte("v"))
	require.NoError(t, err)
	_, err = l.Commit()
	require.NoError(t, err)

	full, _, err := l.ReadStream(0, 1<<20)
	require.NoError(t, err)

	n := config.FetchFingerprintLen
	fp, err := l.FingerprintAt(uint64(len(full)-n), n)
	require.NoError(t, err)
	assert.Equal(t, full[len(full)-n:], fp)
}

func TestCertify(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 4; i++ {
		_, err := l.Upsert("L", []byte{byte(i)}, []byte("v"))
		require.NoError(t, err)
		_, err = l.Commit()
		require.NoError(t, err)
	}

	proof := l.Certify()
	assert.Equal(t, uint64(4), proof.LogLength)
	assert.Equal(t, l.LatestBlockHash(), proof.TipHash)
	assert.True(t, block.VerifyTipProof(proof))
}

func TestAppendSealedBlock(t *testing.T) {
	l := newTestLedger(t)

	entries := []types.Entry{types.NewEntry("L", []byte("k"), []byte("v"), types.OpUpsert)}
	good := block.Assemble(0, [32]byte{}, 1, entries)
	_, err := l.AppendSealedBlock(good)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), l.BlocksCount())

	// A block that does not chain onto the tip is rejected.
	orphan := block.Assemble(1, [32]byte{0xAA}, 2, entries)
	_, err = l.AppendSealedBlock(orphan)
	assert.Equal(t, lederr.CodeChainMismatch, lederr.CodeOf(err))

	// Offset gaps are rejected too.
	skip := block.Assemble(5, good.BlockHash, 3, entries)
	_, err = l.AppendSealedBlock(skip)
	assert.Equal(t, lederr.CodeChainMismatch, lederr.CodeOf(err))

	next := block.Assemble(1, good.BlockHash, 4, entries)
	_, err = l.AppendSealedBlock(next)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.BlocksCount())
}

func TestNextBlockEntries(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Upsert("NPCheckIn", []byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = l.Upsert("Other", []byte("b"), []byte("2"))
	require.NoError(t, err)
	_, err = l.Upsert("NPCheckIn", []byte("c"), []byte("3"))
	require.NoError(t, err)

	got := l.NextBlockEntries("NPCheckIn")
	require.Len(t, got, 2)
	assert.Equal(t, []byte("a"), got[0].Key)
	assert.Equal(t, []byte("c"), got[1].Key)

	_, err = l.Commit()
	require.NoError(t, err)
	assert.Empty(t, l.NextBlockEntries("NPCheckIn"))
}
