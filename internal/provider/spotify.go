// Package provider adapts the Spotify Web API to the playback operations the
// host needs, classifying failures into the agent's error taxonomy.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"toptrack/internal/errs"
	"toptrack/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/zmb3/spotify/v2"
	"golang.org/x/oauth2"
)

// ProductPremium is the only account product allowed to control playback
const ProductPremium = "premium"

// Device is one playback target known to the provider
type Device struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

// PlaybackState is what the provider reports as playing
type PlaybackState struct {
	TrackID    string `json:"trackId"`
	DeviceID   string `json:"deviceId"`
	Playing    bool   `json:"playing"`
	ProgressMs int    `json:"progressMs"`
	DurationMs int    `json:"durationMs"`
}

// Spotify drives playback through the Web API
type Spotify struct {
	client *spotify.Client
	logger *logrus.Entry
}

// NewSpotify builds a client whose requests carry the token from ts. An
// empty baseURL targets the public API.
func NewSpotify(ctx context.Context, ts oauth2.TokenSource, baseURL string, logger *logrus.Entry) *Spotify {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	var opts []spotify.ClientOption
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		opts = append(opts, spotify.WithBaseURL(baseURL))
	}
	return &Spotify{
		client: spotify.New(oauth2.NewClient(ctx, ts), opts...),
		logger: logger.WithField("component", "provider"),
	}
}

// Product returns the account product of the credential's owner
func (s *Spotify) Product(ctx context.Context) (string, error) {
	user, err := s.client.CurrentUser(ctx)
	if err != nil {
		return "", classify("current user", err)
	}
	return user.Product, nil
}

// Devices lists the account's playback devices
func (s *Spotify) Devices(ctx context.Context) ([]Device, error) {
	devices, err := s.client.PlayerDevices(ctx)
	if err != nil {
		return nil, classify("list devices", err)
	}
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		out = append(out, Device{
			ID:     d.ID.String(),
			Name:   d.Name,
			Type:   d.Type,
			Active: d.Active,
		})
	}
	return out, nil
}

// Transfer moves playback to deviceID
func (s *Spotify) Transfer(ctx context.Context, deviceID string, play bool) error {
	if err := s.client.TransferPlayback(ctx, spotify.ID(deviceID), play); err != nil {
		return classify("transfer playback", err)
	}
	return nil
}

// Play starts trackURI on deviceID
func (s *Spotify) Play(ctx context.Context, deviceID, trackURI string) error {
	id := spotify.ID(deviceID)
	err := s.client.PlayOpt(ctx, &spotify.PlayOptions{
		DeviceID: &id,
		URIs:     []spotify.URI{spotify.URI(trackURI)},
	})
	if err != nil {
		return classify("play", err)
	}
	return nil
}

// Resume continues the current context on deviceID
func (s *Spotify) Resume(ctx context.Context, deviceID string) error {
	if err := s.client.PlayOpt(ctx, deviceOpt(deviceID)); err != nil {
		return classify("resume", err)
	}
	return nil
}

// Pause pauses deviceID, or the active device when deviceID is empty
func (s *Spotify) Pause(ctx context.Context, deviceID string) error {
	var err error
	if deviceID == "" {
		err = s.client.Pause(ctx)
	} else {
		err = s.client.PauseOpt(ctx, deviceOpt(deviceID))
	}
	if err != nil {
		return classify("pause", err)
	}
	return nil
}

// Enqueue appends trackURI to the provider-side queue of deviceID
func (s *Spotify) Enqueue(ctx context.Context, deviceID, trackURI string) error {
	trackID := spotify.ID(models.TrackIDFromURI(trackURI))
	if err := s.client.QueueSongOpt(ctx, trackID, deviceOpt(deviceID)); err != nil {
		return classify("enqueue", err)
	}
	return nil
}

// Next skips to the next track on deviceID
func (s *Spotify) Next(ctx context.Context, deviceID string) error {
	if err := s.client.NextOpt(ctx, deviceOpt(deviceID)); err != nil {
		return classify("next", err)
	}
	return nil
}

// State reads back what the provider is playing
func (s *Spotify) State(ctx context.Context) (PlaybackState, error) {
	state, err := s.client.PlayerState(ctx)
	if err != nil {
		return PlaybackState{}, classify("player state", err)
	}
	if state == nil {
		return PlaybackState{}, nil
	}

	out := PlaybackState{
		DeviceID:   state.Device.ID.String(),
		Playing:    state.Playing,
		ProgressMs: int(state.Progress),
	}
	if state.Item != nil {
		out.TrackID = state.Item.ID.String()
		out.DurationMs = int(state.Item.Duration)
	}
	return out, nil
}

func deviceOpt(deviceID string) *spotify.PlayOptions {
	if deviceID == "" {
		return &spotify.PlayOptions{}
	}
	id := spotify.ID(deviceID)
	return &spotify.PlayOptions{DeviceID: &id}
}

// classify maps a Web API failure into the error taxonomy: 401 is an auth
// failure, 403 mentioning premium is an account restriction, everything else
// is a playback failure. Errors already classified (for example by the token
// source) keep their kind.
func classify(op string, err error) error {
	if errs.KindOf(err) != errs.KindUnknown {
		return err
	}

	status, message := statusOf(err)
	switch {
	case status == http.StatusUnauthorized:
		return errs.ProviderAuth(op, err)
	case status == http.StatusForbidden && strings.Contains(strings.ToLower(message), "premium"):
		return errs.New(errs.KindAccount, op, "a Spotify Premium account is required to control playback", err)
	default:
		return errs.ProviderPlayback(op, err)
	}
}

func statusOf(err error) (int, string) {
	var value spotify.Error
	if errors.As(err, &value) {
		return value.Status, value.Message
	}
	var ptr *spotify.Error
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Status, ptr.Message
	}
	return 0, fmt.Sprint(err)
}
