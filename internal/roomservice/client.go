// Package roomservice is the REST client for the room provisioning service:
// room lookup, queue snapshots, track metadata and the host's provider token.
package roomservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"toptrack/internal/cache"
	"toptrack/internal/errs"
	"toptrack/pkg/models"

	"github.com/sirupsen/logrus"
)

// ErrNotFound wraps 404 responses
var ErrNotFound = errors.New("not found")

// TrackInfoRequest asks the service to resolve a track URL into queue metadata
type TrackInfoRequest struct {
	SpotifyURL string `json:"spotify_url"`
	RoomID     string `json:"room_id"`
	AddedBy    string `json:"added_by"`
}

type roomResponse struct {
	Room models.Room `json:"room"`
}

type queueResponse struct {
	Songs []models.QueueEntry `json:"songs"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client talks to the room service
type Client struct {
	BaseURL string
	HTTP    *http.Client

	rooms  *cache.RoomCache
	logger *logrus.Entry
}

// NewClient creates a client. rooms may be nil to disable room caching.
func NewClient(baseURL string, timeout time.Duration, rooms *cache.RoomCache, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: timeout},
		rooms:   rooms,
		logger:  logger.WithField("component", "roomservice"),
	}
}

// Room looks a room up by id
func (c *Client) Room(ctx context.Context, roomID string) (models.Room, error) {
	if c.rooms != nil {
		if room, ok := c.rooms.GetRoom(roomID); ok {
			return room, nil
		}
	}

	var out roomResponse
	if err := c.do(ctx, "get room", http.MethodGet, "/api/rooms/"+url.PathEscape(roomID), nil, &out); err != nil {
		return models.Room{}, err
	}
	if c.rooms != nil {
		c.rooms.SetRoom(out.Room)
	}
	return out.Room, nil
}

// Queue returns the authoritative queue snapshot of a room
func (c *Client) Queue(ctx context.Context, roomID string) ([]models.QueueEntry, error) {
	var out queueResponse
	if err := c.do(ctx, "get queue", http.MethodGet, "/api/room/"+url.PathEscape(roomID)+"/queue", nil, &out); err != nil {
		return nil, err
	}
	if out.Songs == nil {
		out.Songs = []models.QueueEntry{}
	}
	return out.Songs, nil
}

// TrackInfo resolves a track URL into a queue entry without adding it
func (c *Client) TrackInfo(ctx context.Context, req TrackInfoRequest) (models.QueueEntry, error) {
	var out models.QueueEntry
	if err := c.do(ctx, "track info", http.MethodPost, "/api/spotify/track-info", req, &out); err != nil {
		return models.QueueEntry{}, err
	}
	if out.TrackID == "" {
		if id, err := ExtractTrackID(req.SpotifyURL); err == nil {
			out.TrackID = id
		}
	}
	if out.TrackURL == "" {
		out.TrackURL = req.SpotifyURL
	}
	return out, nil
}

// FetchToken returns the room host's provider access token
func (c *Client) FetchToken(ctx context.Context, roomID string) (string, time.Duration, error) {
	var out tokenResponse
	if err := c.do(ctx, "fetch token", http.MethodGet, "/api/spotify/token/room/"+url.PathEscape(roomID), nil, &out); err != nil {
		if errs.KindOf(err) == errs.KindProviderAuth {
			return "", 0, err
		}
		return "", 0, errs.ProviderAuth("fetch token", err)
	}
	if out.AccessToken == "" {
		return "", 0, errs.ProviderAuth("fetch token", errors.New("empty access token"))
	}
	return out.AccessToken, time.Duration(out.ExpiresIn) * time.Second, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, v any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return errs.Transport(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errs.Transport(op, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	c.logger.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"status": resp.StatusCode,
	}).Debug("Room service request")

	if resp.StatusCode/100 != 2 {
		return statusError(op, resp)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errs.Transport(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// statusError maps a non-2xx response into the error taxonomy
func statusError(op string, resp *http.Response) error {
	var body errorResponse
	json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = body.Message
	}
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return errs.ProviderAuth(op, errors.New(msg))
	case http.StatusBadRequest:
		return errs.Validation(op, msg)
	case http.StatusNotFound:
		return errs.Transport(op, fmt.Errorf("%w: %s", ErrNotFound, msg))
	default:
		return errs.Transport(op, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}
}
