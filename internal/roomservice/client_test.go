package roomservice

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"toptrack/internal/cache"
	"toptrack/internal/errs"
	"toptrack/internal/roomtest"
	"toptrack/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validID = "4uLU6hMCjMI75M1A2tKUQC"

func TestRoomIsCached(t *testing.T) {
	srv := roomtest.NewServer()
	defer srv.Close()
	srv.AddRoom(models.Room{ID: "room-1", Name: "Friday", IsActive: true})

	rooms := cache.NewRoomCache(time.Minute)
	defer rooms.Close()
	c := NewClient(srv.URL, time.Second, rooms, nil)

	room, err := c.Room(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "Friday", room.Name)
	assert.True(t, room.IsActive)

	cached, ok := rooms.GetRoom("room-1")
	require.True(t, ok)
	assert.Equal(t, room, cached)
}

func TestRoomNotFound(t *testing.T) {
	srv := roomtest.NewServer()
	defer srv.Close()
	c := NewClient(srv.URL, time.Second, nil, nil)

	_, err := c.Room(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTransport))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "Room not found")
}

func TestQueue(t *testing.T) {
	srv := roomtest.NewServer()
	defer srv.Close()
	c := NewClient(srv.URL, time.Second, nil, nil)

	songs, err := c.Queue(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Empty(t, songs)

	srv.SetQueue("room-1", []models.QueueEntry{{ID: "s1", TrackID: validID, Voters: []string{"u1"}}})
	songs, err = c.Queue(context.Background(), "room-1")
	require.NoError(t, err)
	require.Len(t, songs, 1)
	assert.Equal(t, 1, songs[0].VoteCount())
}

func TestTrackInfo(t *testing.T) {
	srv := roomtest.NewServer()
	defer srv.Close()
	srv.SetTrackInfo(validID, models.QueueEntry{Title: "Song", Artist: "Artist", DurationMs: 1000})
	c := NewClient(srv.URL, time.Second, nil, nil)

	link := "https://open.spotify.com/track/" + validID + "?si=abc"
	entry, err := c.TrackInfo(context.Background(), TrackInfoRequest{SpotifyURL: link, RoomID: "room-1", AddedBy: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "Song", entry.Title)
	assert.Equal(t, validID, entry.TrackID)
	assert.Equal(t, link, entry.TrackURL)

	_, err = c.TrackInfo(context.Background(), TrackInfoRequest{SpotifyURL: "https://example.com/x"})
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestFetchToken(t *testing.T) {
	srv := roomtest.NewServer()
	defer srv.Close()
	c := NewClient(srv.URL, time.Second, nil, nil)

	_, _, err := c.FetchToken(context.Background(), "room-1")
	assert.True(t, errors.Is(err, errs.ErrProviderAuth))

	srv.SetToken("room-1", "abc", 600)
	token, expiresIn, err := c.FetchToken(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
	assert.Equal(t, 600*time.Second, expiresIn)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: errs.ErrProviderAuth},
		{name: "bad request", status: http.StatusBadRequest, want: errs.ErrValidation},
		{name: "server error", status: http.StatusInternalServerError, want: errs.ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, time.Second, nil, nil)
			_, err := c.Queue(context.Background(), "room-1")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestUnreachableService(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 200*time.Millisecond, nil, nil)
	_, err := c.Queue(context.Background(), "room-1")
	assert.True(t, errors.Is(err, errs.ErrTransport))
}

func TestExtractTrackID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "open link", input: "https://open.spotify.com/track/" + validID, want: validID},
		{name: "link with query", input: "https://open.spotify.com/track/" + validID + "?si=1234", want: validID},
		{name: "localized link", input: "https://open.spotify.com/intl-de/track/" + validID, want: validID},
		{name: "uri", input: "spotify:track:" + validID, want: validID},
		{name: "padded", input: "  spotify:track:" + validID + " ", want: validID},
		{name: "album", input: "https://open.spotify.com/album/" + validID, wantErr: true},
		{name: "short id", input: "https://open.spotify.com/track/abc", wantErr: true},
		{name: "other host", input: "https://example.com/track/" + validID, wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractTrackID(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTrackURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateTrackURL(t *testing.T) {
	_, err := ValidateTrackURL("")
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = ValidateTrackURL("not a link")
	assert.True(t, errors.Is(err, errs.ErrValidation))

	id, err := ValidateTrackURL("https://open.spotify.com/track/" + validID)
	require.NoError(t, err)
	assert.Equal(t, validID, id)
}
