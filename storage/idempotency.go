package storage

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketReplay = []byte("replay")

	// ErrIdempotencyMismatch is returned when an idempotency key is reused
	// with a different request payload.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")
)

const defaultReplayTTL = 24 * time.Hour

// ReplayRecord stores the response previously served for an idempotency key.
type ReplayRecord struct {
	RequestHash string    `json:"requestHash"`
	Response    []byte    `json:"response"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ReplayCache persists responses for mutating RPCs so client retries carrying
// the same idempotency key are answered from the cache instead of re-running
// the operation.
type ReplayCache struct {
	db  *bolt.DB
	ttl time.Duration
}

// NewReplayCache initialises (and migrates) the BoltDB-backed cache at path.
// A non-positive ttl falls back to a 24h default.
func NewReplayCache(path string, ttl time.Duration) (*ReplayCache, error) {
	if ttl <= 0 {
		ttl = defaultReplayTTL
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReplay)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &ReplayCache{db: db, ttl: ttl}, nil
}

// Close releases the underlying Bolt database handle.
func (c *ReplayCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Lookup returns the cached response for key when present and unexpired.
// Expired records are deleted on sight. A hit whose stored request hash does
// not match requestHash reports ErrIdempotencyMismatch.
func (c *ReplayCache) Lookup(key, requestHash string, now time.Time) ([]byte, bool, error) {
	if c == nil || c.db == nil {
		return nil, false, errors.New("replay cache not open")
	}
	var record ReplayRecord
	var found bool
	err := c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketReplay)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if now.After(record.ExpiresAt) {
			record = ReplayRecord{}
			return bucket.Delete([]byte(key))
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	if record.RequestHash != requestHash {
		return nil, false, ErrIdempotencyMismatch
	}
	return record.Response, true, nil
}

// Store caches the response served for key. The record expires after the
// cache TTL.
func (c *ReplayCache) Store(key, requestHash string, response []byte, now time.Time) error {
	if c == nil || c.db == nil {
		return errors.New("replay cache not open")
	}
	record := ReplayRecord{
		RequestHash: requestHash,
		Response:    append([]byte(nil), response...),
		StoredAt:    now.UTC(),
		ExpiresAt:   now.UTC().Add(c.ttl),
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketReplay).Put([]byte(key), payload)
	})
}
