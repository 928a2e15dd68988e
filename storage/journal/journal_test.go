package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lendex/core/types"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	j.SetNowFunc(func() int64 { return 1_700_000_000 })
	return j
}

func supplyEvent(amount string) *types.Event {
	return &types.Event{
		Type: "lending.supply",
		Attributes: map[string]string{
			"symbol": "USDX",
			"amount": amount,
		},
	}
}

func TestJournalAppendsHashChain(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	var entries []Entry
	for _, amount := range []string{"100", "200", "300"} {
		entry, err := j.Append(ctx, supplyEvent(amount))
		require.NoError(t, err)
		entries = append(entries, entry)
	}

	require.Equal(t, int64(1), entries[0].Sequence)
	require.Equal(t, int64(3), entries[2].Sequence)
	require.Equal(t, chainSeed, entries[0].PrevHash)
	require.Equal(t, entries[0].ChainHash, entries[1].PrevHash)
	require.Equal(t, entries[1].ChainHash, entries[2].PrevHash)
	for _, entry := range entries {
		require.Len(t, entry.ID, 36)
		require.Len(t, entry.ChainHash, 64)
	}

	checked, err := j.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), checked)
}

func TestJournalBacklogAfterCursor(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	for _, amount := range []string{"1", "2", "3", "4", "5"} {
		_, err := j.Append(ctx, supplyEvent(amount))
		require.NoError(t, err)
	}

	page, err := j.After(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, int64(3), page[0].Sequence)
	require.Equal(t, int64(4), page[1].Sequence)
	require.Equal(t, "3", page[0].Attributes["amount"])

	all, err := j.After(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)

	empty, err := j.After(ctx, 5, 10)
	require.NoError(t, err)
	require.Empty(t, empty)

	head, err := j.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), head)
}

func TestJournalVerifyDetectsTamper(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	for _, amount := range []string{"100", "200", "300"} {
		_, err := j.Append(ctx, supplyEvent(amount))
		require.NoError(t, err)
	}

	_, err := j.db.ExecContext(ctx, `UPDATE journal_entries SET attributes = ? WHERE sequence = 2`, `{"symbol":"USDX","amount":"999"}`)
	require.NoError(t, err)

	checked, err := j.Verify(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
	require.Equal(t, int64(1), checked)
}

func TestJournalPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := Open(path)
	require.NoError(t, err)
	first, err := j.Append(ctx, supplyEvent("100"))
	require.NoError(t, err)
	second, err := j.Append(ctx, supplyEvent("200"))
	require.NoError(t, err)
	require.Equal(t, first.ChainHash, second.PrevHash)
	require.NoError(t, j.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	head, err := reopened.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), head)

	third, err := reopened.Append(ctx, supplyEvent("300"))
	require.NoError(t, err)
	require.Equal(t, int64(3), third.Sequence)
	require.Equal(t, second.ChainHash, third.PrevHash)

	checked, err := reopened.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), checked)
}

func TestJournalRejectsEmptyEvents(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	_, err := j.Append(ctx, nil)
	require.Error(t, err)
	_, err = j.Append(ctx, &types.Event{Type: "   "})
	require.Error(t, err)

	head, err := j.Head(ctx)
	require.NoError(t, err)
	require.Zero(t, head)
}
