package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"lendex/storage/journal"
)

// EntriesJSONL builds a JSON Lines export for the supplied journal entries
// and returns the serialised payload alongside a SHA-256 checksum. The chain
// hash rides along so receivers can tie each line back to the verified log.
func EntriesJSONL(entries []journal.Entry) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, entry := range entries {
		payload := map[string]interface{}{
			"sequence":   entry.Sequence,
			"id":         entry.ID,
			"type":       entry.Type,
			"symbol":     entry.Attributes["symbol"],
			"attributes": entry.Attributes,
			"chain_hash": entry.ChainHash,
			"created_at": time.Unix(entry.CreatedAt, 0).UTC().Format(time.RFC3339),
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
