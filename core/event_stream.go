package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"lendex/storage/journal"
)

const (
	// eventHistoryLimit bounds the in-memory replay ring; older entries are
	// served from the journal instead.
	eventHistoryLimit = 2048
	// eventBacklogBatch sizes journal reads when filling a replay gap.
	eventBacklogBatch = 256
	// eventStreamBuffer is the per-subscriber channel depth. Slow consumers
	// drop live entries rather than stalling publication.
	eventStreamBuffer = 32
)

func cloneEntry(entry journal.Entry) journal.Entry {
	cloned := entry
	if len(entry.Attributes) > 0 {
		attrs := make(map[string]string, len(entry.Attributes))
		for k, v := range entry.Attributes {
			attrs[k] = v
		}
		cloned.Attributes = attrs
	}
	return cloned
}

// broadcast records a committed entry in the replay ring and fans it out to
// live subscribers. Entries without a journal sequence are assigned a
// synthetic one when no journal is configured, so cursors keep working for
// in-memory deployments; entries that failed a journal append keep sequence
// zero and are delivered live only.
func (n *Node) broadcast(entry journal.Entry) journal.Entry {
	n.eventStreamMu.Lock()
	defer n.eventStreamMu.Unlock()

	if entry.Sequence == 0 && n.journal == nil {
		entry.Sequence = n.eventSeq + 1
	}
	if entry.Sequence > 0 {
		if entry.Sequence > n.eventSeq {
			n.eventSeq = entry.Sequence
		}
		n.eventHistory = append(n.eventHistory, cloneEntry(entry))
		if len(n.eventHistory) > eventHistoryLimit {
			excess := len(n.eventHistory) - eventHistoryLimit
			trimmed := make([]journal.Entry, eventHistoryLimit)
			copy(trimmed, n.eventHistory[excess:])
			n.eventHistory = trimmed
		}
	}
	// Sends stay under the lock so a concurrent cancel cannot close a
	// channel mid-broadcast. They never block: the select drops entries for
	// saturated subscribers.
	for _, ch := range n.eventSubs {
		select {
		case ch <- cloneEntry(entry):
		default:
		}
	}
	return entry
}

// EventsSubscribe registers a subscriber for committed journal entries
// starting after the supplied cursor. The returned backlog covers everything
// between the cursor and the live stream: recent entries come from the
// in-memory ring, older ones are paged out of the journal. The cancel func is
// idempotent and also runs when ctx is done.
func (n *Node) EventsSubscribe(ctx context.Context, cursor string) (<-chan journal.Entry, func(), []journal.Entry, error) {
	if n == nil {
		return nil, nil, nil, fmt.Errorf("node not initialised")
	}
	var since int64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil || parsed < 0 {
			return nil, nil, nil, fmt.Errorf("invalid event cursor %q", cursor)
		}
		since = parsed
	}

	entries := make(chan journal.Entry, eventStreamBuffer)

	n.eventStreamMu.Lock()
	if n.eventSubs == nil {
		n.eventSubs = make(map[uint64]chan journal.Entry)
	}
	id := n.eventSubNextID
	n.eventSubNextID++
	n.eventSubs[id] = entries

	head := n.eventSeq
	var ringStart int64
	if len(n.eventHistory) > 0 {
		ringStart = n.eventHistory[0].Sequence
	}
	ring := make([]journal.Entry, 0, len(n.eventHistory))
	for _, entry := range n.eventHistory {
		if entry.Sequence > since {
			ring = append(ring, cloneEntry(entry))
		}
	}
	n.eventStreamMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.eventStreamMu.Lock()
			sub, ok := n.eventSubs[id]
			if ok {
				delete(n.eventSubs, id)
				close(sub)
			}
			n.eventStreamMu.Unlock()
		})
	}

	backlog := ring
	if since < head && (ringStart == 0 || ringStart > since+1) {
		// The ring no longer reaches back to the cursor; page the gap from
		// the journal. Reads are capped at the head captured during
		// registration, so nothing overlaps the live channel.
		through := head
		if ringStart > 0 {
			through = ringStart - 1
		}
		paged, err := n.journalBacklog(ctx, since, through)
		if err != nil {
			cancel()
			return nil, nil, nil, err
		}
		backlog = append(paged, ring...)
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return entries, cancel, backlog, nil
}

func (n *Node) journalBacklog(ctx context.Context, since, through int64) ([]journal.Entry, error) {
	if n.journal == nil || through <= since {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var entries []journal.Entry
	cursor := since
	for cursor < through {
		page, err := n.journal.After(ctx, cursor, eventBacklogBatch)
		if err != nil {
			return nil, fmt.Errorf("read journal backlog: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, entry := range page {
			if entry.Sequence > through {
				return entries, nil
			}
			entries = append(entries, entry)
			cursor = entry.Sequence
		}
	}
	return entries, nil
}
