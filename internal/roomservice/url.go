package roomservice

import (
	"errors"
	"regexp"
	"strings"

	"toptrack/internal/errs"
)

var (
	trackURLPattern = regexp.MustCompile(`^(?:https?://)?(?:open\.)?spotify\.com/(?:intl-[a-z]{2}/)?track/([a-zA-Z0-9]{22})(?:[/?#].*)?$`)
	trackURIPattern = regexp.MustCompile(`^spotify:track:([a-zA-Z0-9]{22})$`)
)

// ErrInvalidTrackURL is the cause of validation errors for malformed links
var ErrInvalidTrackURL = errors.New("not a Spotify track link")

// ExtractTrackID returns the track id of an open.spotify.com track URL or a
// spotify:track URI
func ExtractTrackID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if m := trackURIPattern.FindStringSubmatch(raw); m != nil {
		return m[1], nil
	}
	if m := trackURLPattern.FindStringSubmatch(raw); m != nil {
		return m[1], nil
	}
	return "", ErrInvalidTrackURL
}

// ValidateTrackURL checks a user-supplied link before anything is sent
func ValidateTrackURL(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", errs.Validation("add song", "Please enter a Spotify track URL")
	}
	id, err := ExtractTrackID(raw)
	if err != nil {
		return "", errs.Validation("add song", "Please enter a valid Spotify track URL (https://open.spotify.com/track/...)")
	}
	return id, nil
}
