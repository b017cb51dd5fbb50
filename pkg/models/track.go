package models

import "strings"

// TrackURIPrefix prefixes provider track ids to build playable URIs
const TrackURIPrefix = "spotify:track:"

// CurrentTrack is the provider-playable form of the top queue entry
type CurrentTrack struct {
	EntryID    string `json:"entryId,omitempty"`
	TrackID    string `json:"trackId"`
	URI        string `json:"uri"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	ArtworkURL string `json:"albumArt,omitempty"`
	DurationMs int    `json:"duration_ms"`
}

// TrackURI builds the provider URI for a track id
func TrackURI(trackID string) string {
	if strings.HasPrefix(trackID, TrackURIPrefix) {
		return trackID
	}
	return TrackURIPrefix + trackID
}

// TrackIDFromURI strips the provider URI prefix if present
func TrackIDFromURI(uri string) string {
	return strings.TrimPrefix(uri, TrackURIPrefix)
}

// CurrentTrackFrom reformats a queue entry into a playable reference
func CurrentTrackFrom(e QueueEntry) CurrentTrack {
	return CurrentTrack{
		EntryID:    e.ID,
		TrackID:    e.TrackID,
		URI:        TrackURI(e.TrackID),
		Title:      e.Title,
		Artist:     e.Artist,
		ArtworkURL: e.ArtworkURL,
		DurationMs: e.DurationMs,
	}
}
