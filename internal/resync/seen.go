package resync

import (
	"bytes"
	"encoding/base64"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/oceanframework/ocean/internal/entity"
	"github.com/oceanframework/ocean/internal/oceanerr"
)

// seenFalsePositiveRate tunes the persisted seen summary. A false positive
// makes an unowned key eligible for deletion, but the candidate set is
// already restricted to entities this integration created, so the damage of
// a collision is deleting a stale entity one run early.
const seenFalsePositiveRate = 0.01

// EncodeSeen builds a compact persistable summary of the keys upserted in a
// run. The full key set is unbounded; the summary answers "was this key
// written last run" well enough for stale deletion.
func EncodeSeen(keys []entity.Key) (string, error) {
	n := uint(len(keys))
	if n == 0 {
		n = 1
	}
	filter := bloom.NewWithEstimates(n, seenFalsePositiveRate)
	for _, key := range keys {
		filter.AddString(key.String())
	}

	var buf bytes.Buffer
	if _, err := filter.WriteTo(&buf); err != nil {
		return "", oceanerr.Wrap(oceanerr.KindInternal, "encode seen summary", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeSeen restores a persisted seen summary. An empty summary decodes to
// nil, meaning no previous run is known.
func DecodeSeen(encoded string) (*bloom.BloomFilter, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, oceanerr.Wrap(oceanerr.KindInternal, "decode seen summary", err)
	}
	var filter bloom.BloomFilter
	if _, err := filter.ReadFrom(bytes.NewReader(raw)); err != nil {
		return nil, oceanerr.Wrap(oceanerr.KindInternal, "decode seen summary", err)
	}
	return &filter, nil
}
