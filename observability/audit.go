package observability

import (
	"context"
	"log/slog"
	"sort"

	"lendex/storage/journal"
)

// AuditSink mirrors committed journal entries to a structured logger,
// typically one rotating an on-disk audit file. The sqlite journal stays the
// source of truth; the audit copy exists so operators can tail and ship it.
type AuditSink struct {
	log *slog.Logger
}

// NewAuditSink wraps the supplied logger. A nil logger yields an inert sink.
func NewAuditSink(log *slog.Logger) *AuditSink {
	return &AuditSink{log: log}
}

// OnEntry writes one log line per committed event, message keyed by event
// type with the journal chain fields alongside the event attributes.
func (s *AuditSink) OnEntry(entry journal.Entry) {
	if s == nil || s.log == nil {
		return
	}
	keys := make([]string, 0, len(entry.Attributes))
	for key := range entry.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	group := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		group = append(group, key, entry.Attributes[key])
	}

	s.log.LogAttrs(context.Background(), slog.LevelInfo, entry.Type,
		slog.Int64("sequence", entry.Sequence),
		slog.String("id", entry.ID),
		slog.String("chainHash", entry.ChainHash),
		slog.Int64("createdAt", entry.CreatedAt),
		slog.Group("attributes", group...),
	)
}
