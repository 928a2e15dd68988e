package core

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendex/storage/journal"
)

func waitForEntry(t *testing.T, ch <-chan journal.Entry) journal.Entry {
	t.Helper()
	select {
	case entry, ok := <-ch:
		require.True(t, ok, "stream closed before entry arrived")
		return entry
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for stream entry")
		return journal.Entry{}
	}
}

func TestEventsSubscribeDeliversLiveEntries(t *testing.T) {
	node, prices := newTestNode(t)

	updates, cancel, backlog, err := node.EventsSubscribe(context.Background(), "")
	require.NoError(t, err)
	defer cancel()
	require.Empty(t, backlog)

	_, err = node.LendingListMarket(nodeAdmin, "USDX", 7500, 1000)
	require.NoError(t, err)
	setNodePrice(t, prices, "USDX", "1")
	alice := nodeAddress(0x10)
	require.NoError(t, node.BankMint(nodeAdmin, "USDX", alice, big.NewInt(100)))
	_, err = node.LendingSupply(alice, "USDX", big.NewInt(100))
	require.NoError(t, err)

	listed := waitForEntry(t, updates)
	require.Equal(t, "lending.market.listed", listed.Type)
	// Without a journal the stream assigns synthetic sequences.
	require.Equal(t, int64(1), listed.Sequence)

	supplied := waitForEntry(t, updates)
	require.Equal(t, "lending.supply", supplied.Type)
	require.Equal(t, int64(2), supplied.Sequence)
	require.Equal(t, "100", supplied.Attributes["amount"])
}

func TestEventsSubscribeReplaysFromCursor(t *testing.T) {
	node, prices := newTestNode(t)
	log, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, log.Close()) })
	node.SetJournal(log)

	_, err = node.LendingListMarket(nodeAdmin, "USDX", 7500, 1000)
	require.NoError(t, err)
	setNodePrice(t, prices, "USDX", "1")
	alice := nodeAddress(0x10)
	require.NoError(t, node.BankMint(nodeAdmin, "USDX", alice, big.NewInt(1000)))
	for i := 0; i < 3; i++ {
		_, err = node.LendingSupply(alice, "USDX", big.NewInt(10))
		require.NoError(t, err)
	}

	updates, cancel, backlog, err := node.EventsSubscribe(context.Background(), "2")
	require.NoError(t, err)
	defer cancel()

	require.Len(t, backlog, 2)
	require.Equal(t, int64(3), backlog[0].Sequence)
	require.Equal(t, int64(4), backlog[1].Sequence)
	for _, entry := range backlog {
		require.Equal(t, "lending.supply", entry.Type)
	}

	_, err = node.LendingSupply(alice, "USDX", big.NewInt(10))
	require.NoError(t, err)
	live := waitForEntry(t, updates)
	require.Equal(t, int64(5), live.Sequence)
}

func TestEventsSubscribeReplaysAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	node, prices := newTestNode(t)
	log, err := journal.Open(path)
	require.NoError(t, err)
	node.SetJournal(log)

	_, err = node.LendingListMarket(nodeAdmin, "USDX", 7500, 1000)
	require.NoError(t, err)
	setNodePrice(t, prices, "USDX", "1")
	alice := nodeAddress(0x10)
	require.NoError(t, node.BankMint(nodeAdmin, "USDX", alice, big.NewInt(100)))
	_, err = node.LendingSupply(alice, "USDX", big.NewInt(100))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	// A restarted node has an empty ring; the backlog must come from the
	// persisted journal.
	restarted, _ := newTestNode(t)
	reopened, err := journal.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, reopened.Close()) })
	restarted.SetJournal(reopened)

	_, cancel, backlog, err := restarted.EventsSubscribe(context.Background(), "")
	require.NoError(t, err)
	defer cancel()

	require.Len(t, backlog, 2)
	require.Equal(t, "lending.market.listed", backlog[0].Type)
	require.Equal(t, "lending.supply", backlog[1].Type)
	require.Equal(t, int64(2), backlog[1].Sequence)
}

func TestEventsSubscribeRejectsMalformedCursor(t *testing.T) {
	node, _ := newTestNode(t)
	_, _, _, err := node.EventsSubscribe(context.Background(), "not-a-number")
	require.Error(t, err)
	_, _, _, err = node.EventsSubscribe(context.Background(), "-3")
	require.Error(t, err)
}

func TestEventsSubscribeCancelClosesStream(t *testing.T) {
	node, _ := newTestNode(t)
	ctx, stop := context.WithCancel(context.Background())
	updates, cancel, _, err := node.EventsSubscribe(ctx, "")
	require.NoError(t, err)

	stop()
	select {
	case _, ok := <-updates:
		require.False(t, ok, "expected stream to close after context cancellation")
	case <-time.After(time.Second):
		t.Fatalf("stream did not close after context cancellation")
	}
	// Idempotent: calling cancel after the context already tore the
	// subscription down must not panic.
	cancel()
	cancel()
}
