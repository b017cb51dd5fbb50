package channel

import (
	"encoding/json"
	"fmt"

	"toptrack/pkg/models"
)

// EventKind names a message on the room channel
type EventKind string

// Inbound events pushed by the room service.
const (
	EventUserJoined     EventKind = "user_joined"
	EventUserLeft       EventKind = "user_left"
	EventSongAdded      EventKind = "song_added"
	EventVoteUpdated    EventKind = "vote_updated"
	EventSongVoted      EventKind = "song_voted"
	EventQueueUpdated   EventKind = "queue_updated"
	EventSongRemoved    EventKind = "song_removed"
	EventNextSongNeeded EventKind = "next_song_needed"
	EventNextSong       EventKind = "next_song"
	EventDeviceReadyAck EventKind = "device_ready_ack"
	EventError          EventKind = "error"
)

// Outbound events sent by the agent.
const (
	EventJoinRoom    EventKind = "join_room"
	EventLeaveRoom   EventKind = "leave_room"
	EventAddSong     EventKind = "add_song"
	EventVoteSong    EventKind = "vote_song"
	EventGetNextSong EventKind = "get_next_song"
	EventDeviceReady EventKind = "spotify_device_ready"
)

// Vote directions reported in vote events
const (
	VoteTypeUp      = "up"
	VoteTypeRemoved = "removed"
)

// Envelope is the JSON frame exchanged over the websocket
type Envelope struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload announces membership in a room
type JoinPayload struct {
	RoomID   string      `json:"room_id"`
	UserID   string      `json:"user_id"`
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
}

// LeavePayload withdraws membership
type LeavePayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// AddSongPayload submits a resolved track to the room queue
type AddSongPayload struct {
	RoomID  string            `json:"room_id"`
	AddedBy string            `json:"added_by"`
	Song    models.QueueEntry `json:"song"`
}

// VoteSongPayload toggles the sender's vote on a song
type VoteSongPayload struct {
	RoomID string `json:"room_id"`
	SongID string `json:"song_id"`
	UserID string `json:"user_id"`
}

// NextSongRequest asks the room service to advance the queue
type NextSongRequest struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// DeviceReadyPayload tells the room which device the host registered
type DeviceReadyPayload struct {
	RoomID   string `json:"room_id"`
	DeviceID string `json:"device_id"`
}

// MembershipPayload is carried by user_joined and user_left
type MembershipPayload struct {
	RoomID      string             `json:"room_id"`
	UserID      string             `json:"user_id"`
	Username    string             `json:"username,omitempty"`
	Role        models.Role        `json:"role,omitempty"`
	Room        *models.Room       `json:"room,omitempty"`
	CurrentSong *models.QueueEntry `json:"current_song,omitempty"`
}

// SongAddedPayload carries a newly queued song
type SongAddedPayload struct {
	Song    models.QueueEntry `json:"song"`
	Message string            `json:"message,omitempty"`
}

// VoteUpdatedPayload reports a vote change. VotedBy, when present, is the
// complete voter set and takes precedence over the direction.
type VoteUpdatedPayload struct {
	RoomID    string   `json:"room_id,omitempty"`
	SongID    string   `json:"song_id"`
	UserID    string   `json:"user_id"`
	VoteType  string   `json:"vote_type,omitempty"`
	VoteCount int      `json:"vote_count"`
	VotedBy   []string `json:"voted_by,omitempty"`
}

// QueueUpdatedPayload replaces the whole queue
type QueueUpdatedPayload struct {
	Songs []models.QueueEntry `json:"songs"`
}

// SongRemovedPayload drops a played song from the queue
type SongRemovedPayload struct {
	RoomID string `json:"room_id"`
	SongID string `json:"song_id"`
}

// NextSongPayload announces the track that should now be playing
type NextSongPayload struct {
	CurrentSong *models.QueueEntry `json:"current_song"`
}

// ErrorPayload is a server-pushed error
type ErrorPayload struct {
	Message string `json:"message"`
}

// Decode unmarshals an event payload into T
func Decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to decode payload: %w", err)
	}
	return v, nil
}
