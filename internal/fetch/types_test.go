package fetch

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRawRecord_ModifiedTime(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
	modified := time.Date(2025, 2, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		fields string
		want   time.Time
	}{
		{
			name:   "modified field present",
			fields: `{"Summary": "x", "Last Modified Time": "2025-02-01T12:30:00Z"}`,
			want:   modified,
		},
		{
			name:   "modified field absent",
			fields: `{"Summary": "x"}`,
			want:   created,
		},
		{
			name:   "modified field unparsable",
			fields: `{"Last Modified Time": "yesterday"}`,
			want:   created,
		},
		{
			name:   "fields not an object",
			fields: `"oops"`,
			want:   created,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &RawRecord{
				ID:          "rec1",
				CreatedTime: created,
				Fields:      json.RawMessage(tt.fields),
			}
			assert.True(t, tt.want.Equal(rec.ModifiedTime()))
		})
	}
}

func TestError_Transient(t *testing.T) {
	t.Parallel()

	assert.True(t, (&Error{}).Transient())
	assert.True(t, (&Error{StatusCode: 429}).Transient())
	assert.True(t, (&Error{StatusCode: 503}).Transient())
	assert.False(t, (&Error{StatusCode: 401}).Transient())
	assert.False(t, (&Error{StatusCode: 422}).Transient())
}
