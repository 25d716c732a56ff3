package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Record is one cached feedback item. Payload is the opaque, self-describing
// field document from the remote source; its schema may vary between records.
type Record struct {
	ID         string          `json:"id"`
	CreatedAt  time.Time       `json:"created_at"`
	ModifiedAt time.Time       `json:"modified_at"`
	Payload    json.RawMessage `json:"payload"`
}

// RefreshFailure describes the most recent failed refresh attempt.
type RefreshFailure struct {
	// Kind classifies the failure ("fetch" or "store")
	Kind string `json:"kind"`

	// Message is the human-readable failure detail
	Message string `json:"message"`

	// At is when the failure occurred
	At time.Time `json:"at"`
}

// Status is the single process-wide record describing cache health.
// It is created empty on schema initialization and mutated only by the
// refresh engine after a refresh attempt.
type Status struct {
	// LastFullRefreshAt is when the last full refresh succeeded, nil if never
	LastFullRefreshAt *time.Time `json:"last_full_refresh_at,omitempty"`

	// LastIncrementalRefreshAt is when the last incremental refresh succeeded, nil if never
	LastIncrementalRefreshAt *time.Time `json:"last_incremental_refresh_at,omitempty"`

	// LastUpdateWatermark bounds the next incremental fetch. Advances only on
	// a successful refresh.
	LastUpdateWatermark *time.Time `json:"last_update_watermark,omitempty"`

	// RecordCount is the cached count of records
	RecordCount int `json:"record_count"`

	// LastError holds the most recent refresh failure, nil after a success
	LastError *RefreshFailure `json:"last_error,omitempty"`
}
