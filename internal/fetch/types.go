package fetch

import (
	"encoding/json"
	"fmt"
	"time"
)

// modifiedTimeField is the source field carrying the last-modified timestamp.
const modifiedTimeField = "Last Modified Time"

// RawRecord is one feedback record as returned by the remote source API.
// Fields is the opaque, self-describing document; its schema may vary
// between records.
type RawRecord struct {
	ID          string          `json:"id"`
	CreatedTime time.Time       `json:"createdTime"`
	Fields      json.RawMessage `json:"fields"`
}

// ModifiedTime returns the record's last-modified timestamp from the source
// fields, falling back to the creation time when the field is absent or
// unparsable.
func (r *RawRecord) ModifiedTime() time.Time {
	var fields map[string]any
	if err := json.Unmarshal(r.Fields, &fields); err != nil {
		return r.CreatedTime
	}

	raw, ok := fields[modifiedTimeField].(string)
	if !ok {
		return r.CreatedTime
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return r.CreatedTime
	}
	return t
}

// Page is one page of records plus the cursor for the next page. An empty
// NextCursor means this was the last page.
type Page struct {
	Records    []RawRecord `json:"records"`
	NextCursor string      `json:"offset,omitempty"`
}

// Error is returned when a remote call failed after exhausting retries or
// returned a non-retryable response. It never corrupts the local store.
type Error struct {
	// StatusCode is the HTTP status of the failing response, 0 for transport errors
	StatusCode int

	// Message describes the failure
	Message string

	// Err is the underlying cause
	Err error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("source API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("source API error: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is worth retrying: transport errors,
// timeouts, throttling, and server-side errors.
func (e *Error) Transient() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == 429 || e.StatusCode >= 500
}
