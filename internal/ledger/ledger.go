// Package ledger exposes the read-only metadata index of the chain.
//
// The index is keyed by metadata label, not by identifier, so callers
// that look for a specific enrollment walk the label's transactions
// page by page. Transaction construction, signing, and submission are
// not part of this surface.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnavailable is returned when the index cannot be reached after
// all retries are exhausted.
var ErrUnavailable = errors.New("ledger: metadata index unavailable")

// LabeledMetadata is one transaction's metadata payload under a label.
type LabeledMetadata struct {
	TxHash string          `json:"tx_hash"`
	JSON   json.RawMessage `json:"json_metadata"`
}

// Index is the paginated metadata-by-label read surface. Pages are
// numbered from 1; an empty result marks the end of the label's
// history. Implementations must be safe for concurrent use.
type Index interface {
	MetadataByLabel(ctx context.Context, label string, page, count int) ([]LabeledMetadata, error)
}
