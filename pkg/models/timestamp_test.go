package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueEntryAddedAtFormats(t *testing.T) {
	want := time.Date(2025, 3, 14, 18, 30, 5, 123456000, time.UTC)

	tests := []struct {
		name    string
		addedAt string
		want    time.Time
	}{
		{name: "rfc3339", addedAt: `"2025-03-14T18:30:05.123456Z"`, want: want},
		{name: "rfc3339 offset", addedAt: `"2025-03-14T19:30:05.123456+01:00"`, want: want},
		{name: "isoformat without zone", addedAt: `"2025-03-14T18:30:05.123456"`, want: want},
		{name: "isoformat whole seconds", addedAt: `"2025-03-14T18:30:05"`, want: want.Truncate(time.Second)},
		{name: "null", addedAt: `null`},
		{name: "empty", addedAt: `""`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := `{"id":"s1","spotify_track_id":"t1","added_at":` + tt.addedAt + `}`
			var e QueueEntry
			require.NoError(t, json.Unmarshal([]byte(payload), &e))
			if tt.want.IsZero() {
				assert.True(t, e.AddedAt.IsZero())
				return
			}
			assert.True(t, tt.want.Equal(e.AddedAt.Time), "got %s", e.AddedAt)
		})
	}
}

func TestTimestampRejectsGarbage(t *testing.T) {
	var e QueueEntry
	err := json.Unmarshal([]byte(`{"id":"s1","added_at":"yesterday"}`), &e)
	assert.Error(t, err)
}

func TestTimestampRoundTrip(t *testing.T) {
	in := Room{ID: "r1", CreatedAt: NewTimestamp(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"created_at":"2025-01-02T03:04:05Z"`)

	var out Room
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt.Time))
}
