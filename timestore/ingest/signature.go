package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/corestratum/dataplatform/timestore/types"
)

// computeSignature derives the ingestion signature spec.md §4.7 step 3
// defines: a stable, order-sensitive hash of
// (schemaVersionId, partitionKey, timeRange, rows). partitionKey is
// canonicalized (sorted keys) since map iteration order is not stable,
// but row order is preserved as received, matching the spec's
// "order-sensitive" requirement.
func computeSignature(schemaVersionID int64, partitionKey map[string]string, tr types.TimeRange, rows []types.IngestRow) (string, error) {
	payload := struct {
		SchemaVersionID int64             `json:"schemaVersionId"`
		PartitionKey    [][2]string       `json:"partitionKey"`
		Start           int64             `json:"start"`
		End             int64             `json:"end"`
		Rows            []types.IngestRow `json:"rows"`
	}{
		SchemaVersionID: schemaVersionID,
		PartitionKey:    canonicalizeMap(partitionKey),
		Start:           tr.Start.UnixNano(),
		End:             tr.End.UnixNano(),
		Rows:            rows,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func canonicalizeMap(m map[string]string) [][2]string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, m[k]})
	}
	return out
}
