package ledger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedLabeled(t *testing.T, l *Ledger, label string, n int, commitEvery int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Upsert(label, []byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("val-%03d", i)))
		require.NoError(t, err)
		if commitEvery > 0 && (i+1)%commitEvery == 0 {
			_, err = l.Commit()
			require.NoError(t, err)
		}
	}
}

func TestQueryPagination(t *testing.T) {
	l := newTestLedger(t)
	seedLabeled(t, l, "NPOffering", 25, 5)

	var collected []string
	offset := uint64(0)
	for {
		res, err := l.Query("NPOffering", offset, 10, false)
		require.NoError(t, err)
		for _, e := range res.Entries {
			collected = append(collected, string(e.Key))
		}
		assert.Equal(t, uint64(25), res.TotalCount)
		if !res.HasMore {
			break
		}
		offset += uint64(len(res.Entries))
	}

	require.Len(t, collected, 25)
	// Chain order is preserved across pages.
	for i, key := range collected {
		assert.Equal(t, fmt.Sprintf("key-%03d", i), key)
	}
}

func TestQueryIncludesBufferedEntries(t *testing.T) {
	l := newTestLedger(t)
	seedLabeled(t, l, "NPOffering", 4, 2)

	// Two more appended but not committed.
	_, err := l.Upsert("NPOffering", []byte("buffered-1"), []byte("x"))
	require.NoError(t, err)
	_, err = l.Upsert("NPOffering", []byte("buffered-2"), []byte("y"))
	require.NoError(t, err)

	res, err := l.Query("NPOffering", 0, 100, false)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 4)

	res, err = l.Query("NPOffering", 0, 100, true)
	require.NoError(t, err)
	require.Len(t, res.Entries, 6)
	assert.Equal(t, []byte("buffered-2"), res.Entries[5].Key)
}

func TestQueryUnlabeledScansEverything(t *testing.T) {
	l := newTestLedger(t)
	seedLabeled(t, l, "A", 3, 3)
	seedLabeled(t, l, "B", 2, 2)

	res, err := l.Query("", 0, 100, false)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 5)
	assert.Equal(t, uint64(5), res.TotalCount)
}

func TestQueryLimitClamped(t *testing.T) {
	l := newTestLedger(t)
	seedLabeled(t, l, "A", 3, 3)

	// A zero limit falls back to the default rather than returning nothing.
	res, err := l.Query("A", 0, 0, false)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 3)
}

func TestGetBlocksRange(t *testing.T) {
	l := newTestLedger(t)
	seedLabeled(t, l, "A", 6, 2)
	require.Equal(t, uint64(3), l.BlocksCount())

	res, err := l.GetBlocks(1, 2)
	require.NoError(t, err)
	require.Len(t, res.Blocks, 2)
	assert.Equal(t, uint64(1), res.Blocks[0].Offset)
	assert.Equal(t, uint64(2), res.Blocks[1].Offset)
	assert.Equal(t, uint64(3), res.LogLength)
	assert.Empty(t, res.Delegated)

	// Ranges past the tip clamp to nothing.
	res, err = l.GetBlocks(10, 5)
	require.NoError(t, err)
	assert.Empty(t, res.Blocks)
}
