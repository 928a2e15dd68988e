package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"lendex/storage/journal"
)

// EntriesCSV builds a CSV export for the supplied journal entries and returns
// the serialised data alongside a SHA-256 checksum of the payload. Attributes
// are folded into a single JSON column, so the row shape stays fixed across
// event types.
func EntriesCSV(entries []journal.Entry) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"sequence", "id", "type", "symbol", "chain_hash", "created_at", "attributes"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, entry := range entries {
		attrs := []byte("{}")
		if len(entry.Attributes) > 0 {
			encoded, err := json.Marshal(entry.Attributes)
			if err != nil {
				return nil, "", err
			}
			attrs = encoded
		}
		record := []string{
			strconv.FormatInt(entry.Sequence, 10),
			entry.ID,
			entry.Type,
			entry.Attributes["symbol"],
			entry.ChainHash,
			time.Unix(entry.CreatedAt, 0).UTC().Format(time.RFC3339),
			string(attrs),
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
