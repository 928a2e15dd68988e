// Package journal persists emitted engine events in an append-only SQLite
// log. Entries are hash chained so an auditor can detect truncation or
// in-place edits after the fact.
package journal

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"

	"lendex/core/types"
)

// ErrChainBroken is returned by Verify when an entry does not extend its
// predecessor or its stored digest no longer matches its payload.
var ErrChainBroken = errors.New("journal: hash chain broken")

// chainSeed anchors the first entry; it is the hex form of 32 zero bytes.
var chainSeed = hex.EncodeToString(make([]byte, 32))

const defaultBacklogLimit = 256

// Entry is one persisted event together with its position in the chain.
type Entry struct {
	Sequence   int64             `json:"sequence"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	PrevHash   string            `json:"prevHash"`
	ChainHash  string            `json:"chainHash"`
	CreatedAt  int64             `json:"createdAt"`
}

// Journal manages the SQLite-backed event log.
type Journal struct {
	db *sql.DB
	// Append reads the chain head before inserting; serialise appends so
	// the chain never forks under concurrent writers.
	mu    sync.Mutex
	nowFn func() int64
}

// Open initialises (and migrates) the journal at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db, nowFn: func() int64 { return time.Now().UTC().Unix() }}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	// AUTOINCREMENT keeps sequences monotonic even if old rows are pruned,
	// which stream cursors rely on.
	const schema = `CREATE TABLE IF NOT EXISTS journal_entries (
        sequence INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL,
        type TEXT NOT NULL,
        attributes TEXT NOT NULL,
        prev_hash TEXT NOT NULL,
        chain_hash TEXT NOT NULL,
        created_at INTEGER NOT NULL
    );`
	_, err := j.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// SetNowFunc overrides the clock used to stamp entries. Intended for tests.
func (j *Journal) SetNowFunc(now func() int64) {
	if j == nil || now == nil {
		return
	}
	j.nowFn = now
}

// Append records the event as the new chain head and returns the stored
// entry, identifier and sequence included.
func (j *Journal) Append(ctx context.Context, evt *types.Event) (Entry, error) {
	if j == nil || j.db == nil {
		return Entry{}, errors.New("journal: not open")
	}
	if evt == nil || strings.TrimSpace(evt.Type) == "" {
		return Entry{}, errors.New("journal: event type required")
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	prev := chainSeed
	row := tx.QueryRowContext(ctx, `SELECT chain_hash FROM journal_entries ORDER BY sequence DESC LIMIT 1`)
	if err := row.Scan(&prev); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, err
	}
	prevBytes, err := hex.DecodeString(prev)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: malformed chain head: %w", err)
	}

	entry := Entry{
		ID:         uuid.NewString(),
		Type:       evt.Type,
		Attributes: cloneAttributes(evt.Attributes),
		PrevHash:   prev,
		CreatedAt:  j.nowFn(),
	}
	digest, err := entryDigest(prevBytes, entry.ID, entry.Type, entry.Attributes, entry.CreatedAt)
	if err != nil {
		return Entry{}, err
	}
	entry.ChainHash = hex.EncodeToString(digest[:])

	payload, err := json.Marshal(entry.Attributes)
	if err != nil {
		return Entry{}, err
	}
	const stmt = `INSERT INTO journal_entries(id, type, attributes, prev_hash, chain_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, stmt, entry.ID, entry.Type, string(payload), entry.PrevHash, entry.ChainHash, entry.CreatedAt)
	if err != nil {
		return Entry{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Entry{}, err
	}
	entry.Sequence = seq
	if err := tx.Commit(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// After returns up to limit entries with sequence strictly greater than
// cursor, in ascending order. A non-positive limit uses a server default.
func (j *Journal) After(ctx context.Context, cursor int64, limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("journal: not open")
	}
	if limit <= 0 {
		limit = defaultBacklogLimit
	}
	const query = `SELECT sequence, id, type, attributes, prev_hash, chain_hash, created_at FROM journal_entries WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Head returns the sequence of the newest entry, zero when the journal is
// empty.
func (j *Journal) Head(ctx context.Context) (int64, error) {
	if j == nil || j.db == nil {
		return 0, errors.New("journal: not open")
	}
	row := j.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM journal_entries`)
	var head int64
	if err := row.Scan(&head); err != nil {
		return 0, err
	}
	return head, nil
}

// Verify walks the full chain from the seed, recomputing every digest. It
// returns the number of entries checked; on failure the error wraps
// ErrChainBroken and names the offending sequence.
func (j *Journal) Verify(ctx context.Context) (int64, error) {
	if j == nil || j.db == nil {
		return 0, errors.New("journal: not open")
	}
	const query = `SELECT sequence, id, type, attributes, prev_hash, chain_hash, created_at FROM journal_entries ORDER BY sequence ASC`
	rows, err := j.db.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	prev := chainSeed
	var checked int64
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return checked, err
		}
		if entry.PrevHash != prev {
			return checked, fmt.Errorf("%w: entry %d does not extend the prior head", ErrChainBroken, entry.Sequence)
		}
		prevBytes, err := hex.DecodeString(entry.PrevHash)
		if err != nil {
			return checked, fmt.Errorf("%w: entry %d carries a malformed prev hash", ErrChainBroken, entry.Sequence)
		}
		digest, err := entryDigest(prevBytes, entry.ID, entry.Type, entry.Attributes, entry.CreatedAt)
		if err != nil {
			return checked, err
		}
		if hex.EncodeToString(digest[:]) != entry.ChainHash {
			return checked, fmt.Errorf("%w: entry %d digest mismatch", ErrChainBroken, entry.Sequence)
		}
		prev = entry.ChainHash
		checked++
	}
	return checked, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var entry Entry
	var payload string
	if err := rows.Scan(&entry.Sequence, &entry.ID, &entry.Type, &payload, &entry.PrevHash, &entry.ChainHash, &entry.CreatedAt); err != nil {
		return Entry{}, err
	}
	attrs := make(map[string]string)
	if err := json.Unmarshal([]byte(payload), &attrs); err != nil {
		return Entry{}, fmt.Errorf("journal: entry %d payload corrupt: %w", entry.Sequence, err)
	}
	entry.Attributes = attrs
	return entry, nil
}

// entryDigest computes the chained digest over a length-delimited canonical
// payload: prev hash, id, type, the attribute pairs in key order, then the
// timestamp.
func entryDigest(prevHash []byte, id, eventType string, attributes map[string]string, createdAt int64) ([32]byte, error) {
	var zero [32]byte
	buf := bytes.NewBuffer(nil)
	if err := writeDelimited(buf, prevHash); err != nil {
		return zero, err
	}
	if err := writeDelimited(buf, []byte(id)); err != nil {
		return zero, err
	}
	if err := writeDelimited(buf, []byte(eventType)); err != nil {
		return zero, err
	}
	keys := make([]string, 0, len(attributes))
	for key := range attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if err := binary.Write(buf, binary.BigEndian, uint32(len(keys))); err != nil {
		return zero, err
	}
	for _, key := range keys {
		if err := writeDelimited(buf, []byte(key)); err != nil {
			return zero, err
		}
		if err := writeDelimited(buf, []byte(attributes[key])); err != nil {
			return zero, err
		}
	}
	if err := binary.Write(buf, binary.BigEndian, uint64(createdAt)); err != nil {
		return zero, err
	}
	return blake3.Sum256(buf.Bytes()), nil
}

func writeDelimited(buf *bytes.Buffer, data []byte) error {
	length := uint32(0)
	if data != nil {
		length = uint32(len(data))
	}
	if err := binary.Write(buf, binary.BigEndian, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if _, err := buf.Write(data); err != nil {
		return err
	}
	return nil
}

func cloneAttributes(attributes map[string]string) map[string]string {
	cloned := make(map[string]string, len(attributes))
	for key, value := range attributes {
		cloned[key] = value
	}
	return cloned
}
