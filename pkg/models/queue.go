package models

import "slices"

// QueueEntry represents one track in the shared room queue
type QueueEntry struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id,omitempty"`
	Title      string    `json:"title"`
	Artist     string    `json:"artist"`
	Album      string    `json:"album,omitempty"`
	TrackID    string    `json:"spotify_track_id"`
	TrackURL   string    `json:"spotify_url,omitempty"`
	ArtworkURL string    `json:"image_url,omitempty"`
	DurationMs int       `json:"duration_ms"`
	Voters     []string  `json:"voted_by"`
	AddedBy    string    `json:"added_by,omitempty"`
	AddedAt    Timestamp `json:"added_at,omitempty"`

	// Seq is the local insertion sequence used to break vote ties.
	Seq int64 `json:"-"`
}

// VoteCount returns the number of distinct voters
func (e QueueEntry) VoteCount() int {
	return len(e.Voters)
}

// HasVoter reports whether voterID currently votes for the entry
func (e QueueEntry) HasVoter(voterID string) bool {
	return slices.Contains(e.Voters, voterID)
}

// Clone returns a copy that shares no voter storage with e
func (e QueueEntry) Clone() QueueEntry {
	e.Voters = slices.Clone(e.Voters)
	return e
}

// CloneEntries deep-copies a queue
func CloneEntries(entries []QueueEntry) []QueueEntry {
	out := make([]QueueEntry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}
