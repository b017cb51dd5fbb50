// Package transfer makes the provider play a specific track on the host's
// device. The provider API is eventually consistent and often accepts a
// command without acting on it, so every attempt is verified by reading the
// playback state back, and a sequence of increasingly forceful strategies is
// tried before giving up.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"toptrack/internal/errs"
	"toptrack/internal/provider"
	"toptrack/pkg/models"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Strategy names, in the order they are tried
const (
	StrategyPause         = "pause_all"
	StrategyDirectPlay    = "direct_play"
	StrategyReconfirmPlay = "reconfirm_play"
	StrategyQueueFallback = "queue_fallback"
	StrategyForceActivate = "force_activate"
)

// State of the orchestrator
type State string

const (
	StateIdle         State = "idle"
	StateTransferring State = "transferring"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
)

var (
	// ErrSuperseded is returned by a transfer cancelled by a newer one
	ErrSuperseded = errors.New("transfer superseded by a newer request")
	// ErrNothingToRetry is returned by Retry before any transfer was requested
	ErrNothingToRetry = errors.New("no transfer to retry")
	// ErrNotVerified marks a command the provider accepted without playing the track
	ErrNotVerified = errors.New("provider did not switch to the requested track")
)

// Player is the provider surface used for transfers
type Player interface {
	Play(ctx context.Context, deviceID, trackURI string) error
	Pause(ctx context.Context, deviceID string) error
	Resume(ctx context.Context, deviceID string) error
	Enqueue(ctx context.Context, deviceID, trackURI string) error
	Next(ctx context.Context, deviceID string) error
	Transfer(ctx context.Context, deviceID string, play bool) error
	State(ctx context.Context) (provider.PlaybackState, error)
}

// Registrar exposes the host's device registration
type Registrar interface {
	DeviceID() string
	ConfirmRegistration(ctx context.Context) (string, error)
}

// Config sets the waits between commands and their verification
type Config struct {
	VerifyDelay   time.Duration
	ActivateDelay time.Duration
}

// DefaultConfig returns the stock transfer timing
func DefaultConfig() Config {
	return Config{
		VerifyDelay:   1500 * time.Millisecond,
		ActivateDelay: time.Second,
	}
}

// Outcome records one strategy attempt
type Outcome struct {
	Strategy string `json:"strategy"`
	Desired  string `json:"desired"`
	Observed string `json:"observed,omitempty"`
	Verified bool   `json:"verified"`
	Error    string `json:"error,omitempty"`
}

// Result describes a finished transfer
type Result struct {
	Track    models.CurrentTrack `json:"track"`
	DeviceID string              `json:"deviceId"`
	Strategy string              `json:"strategy,omitempty"`
	Outcomes []Outcome           `json:"outcomes"`
}

// ExhaustedError is wrapped in the ProviderPlaybackError returned when no
// strategy got the track playing
type ExhaustedError struct {
	TrackID  string
	Outcomes []Outcome
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Outcomes))
	for _, o := range e.Outcomes {
		status := "not verified"
		if o.Error != "" {
			status = o.Error
		}
		parts = append(parts, o.Strategy+": "+status)
	}
	return fmt.Sprintf("track %s did not start (%s)", e.TrackID, strings.Join(parts, "; "))
}

// Orchestrator runs transfers, one at a time
type Orchestrator struct {
	player    Player
	registrar Registrar
	cfg       Config
	clock     clock.Clock
	logger    *logrus.Entry

	mu     sync.Mutex
	state  State
	last   *models.CurrentTrack
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
	result *Result
}

// New creates an idle orchestrator
func New(player Player, registrar Registrar, cfg Config, clk clock.Clock, logger *logrus.Entry) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		player:    player,
		registrar: registrar,
		cfg:       cfg,
		clock:     clk,
		logger:    logger.WithField("component", "transfer"),
		state:     StateIdle,
	}
}

// State returns the orchestrator state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Last returns the most recently requested track
func (o *Orchestrator) Last() (models.CurrentTrack, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return models.CurrentTrack{}, false
	}
	return *o.last, true
}

// LastResult returns the result of the most recent finished transfer
func (o *Orchestrator) LastResult() (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.result == nil {
		return Result{}, false
	}
	return *o.result, true
}

// Transfer plays track on the registered device. A transfer already in
// flight is cancelled and returns ErrSuperseded.
func (o *Orchestrator) Transfer(ctx context.Context, track models.CurrentTrack) (Result, error) {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	prevDone := o.done
	o.gen++
	gen := o.gen
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.cancel = cancel
	o.done = done
	o.state = StateTransferring
	t := track
	o.last = &t
	o.mu.Unlock()

	defer close(done)
	defer cancel()

	// the superseded run must finish its provider calls first
	if prevDone != nil {
		select {
		case <-prevDone:
		case <-runCtx.Done():
		}
	}

	res, err := o.run(runCtx, track)

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen {
		return res, ErrSuperseded
	}
	o.cancel = nil
	o.result = &res
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return res, ErrSuperseded
		}
		o.state = StateFailed
		return res, err
	}
	o.state = StateSucceeded
	return res, nil
}

// Retry re-runs the last requested transfer
func (o *Orchestrator) Retry(ctx context.Context) (Result, error) {
	track, ok := o.Last()
	if !ok {
		return Result{}, ErrNothingToRetry
	}
	return o.Transfer(ctx, track)
}

// Cancel stops the in-flight transfer, if any
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
		o.gen++
		o.state = StateIdle
	}
}

type step func(ctx context.Context, deviceID, uri string) (string, error)

func (o *Orchestrator) run(ctx context.Context, track models.CurrentTrack) (Result, error) {
	if track.URI == "" {
		track.URI = models.TrackURI(track.TrackID)
	}
	deviceID := o.registrar.DeviceID()
	res := Result{Track: track, DeviceID: deviceID}
	if deviceID == "" {
		return res, errs.Registration("transfer", errors.New("no playback device registered"))
	}

	log := o.logger.WithFields(logrus.Fields{"track_id": track.TrackID, "title": track.Title})
	log.Info("Starting track transfer")

	// 1. stop whatever is playing anywhere
	if err := o.player.Pause(ctx, ""); err != nil {
		if fatal(err) {
			return res, err
		}
		log.WithError(err).Debug("Pause before transfer failed")
	}

	strategies := []struct {
		name string
		run  step
	}{
		{StrategyDirectPlay, o.directPlay},
		{StrategyReconfirmPlay, o.reconfirmPlay},
		{StrategyQueueFallback, o.queueFallback},
		{StrategyForceActivate, o.forceActivate},
	}

	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		observed, err := s.run(ctx, deviceID, track.URI)
		outcome := Outcome{Strategy: s.name, Desired: track.TrackID, Observed: observed}
		if id := o.registrar.DeviceID(); id != "" {
			deviceID = id
			res.DeviceID = id
		}

		entry := log.WithFields(logrus.Fields{
			"strategy": s.name,
			"desired":  track.TrackID,
			"observed": observed,
		})
		switch {
		case err == nil:
			outcome.Verified = true
			res.Outcomes = append(res.Outcomes, outcome)
			res.Strategy = s.name
			entry.Info("Track transfer verified")
			return res, nil
		case fatal(err):
			outcome.Error = err.Error()
			res.Outcomes = append(res.Outcomes, outcome)
			entry.WithError(err).Error("Track transfer aborted")
			return res, err
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return res, err
		default:
			if !errors.Is(err, ErrNotVerified) {
				outcome.Error = err.Error()
			}
			res.Outcomes = append(res.Outcomes, outcome)
			entry.WithError(err).Warn("Transfer strategy failed")
		}
	}

	return res, errs.ProviderPlayback("transfer", &ExhaustedError{TrackID: track.TrackID, Outcomes: res.Outcomes})
}

// 2. play directly on the device
func (o *Orchestrator) directPlay(ctx context.Context, deviceID, uri string) (string, error) {
	if err := o.player.Play(ctx, deviceID, uri); err != nil {
		return "", err
	}
	return o.verify(ctx, uri)
}

// 3. re-confirm the device registration, then play directly
func (o *Orchestrator) reconfirmPlay(ctx context.Context, deviceID, uri string) (string, error) {
	id, err := o.registrar.ConfirmRegistration(ctx)
	if err != nil {
		if fatal(err) {
			return "", err
		}
		o.logger.WithError(err).Warn("Device re-confirmation failed, using known id")
		id = deviceID
	}
	if err := o.player.Play(ctx, id, uri); err != nil {
		return "", err
	}
	return o.verify(ctx, uri)
}

// 4. transfer without playing, enqueue, skip to it and resume
func (o *Orchestrator) queueFallback(ctx context.Context, deviceID, uri string) (string, error) {
	if err := o.player.Transfer(ctx, deviceID, false); err != nil {
		if fatal(err) {
			return "", err
		}
		o.logger.WithError(err).Debug("Transfer before enqueue failed")
	}
	if err := o.player.Enqueue(ctx, deviceID, uri); err != nil {
		return "", err
	}
	if err := o.player.Next(ctx, deviceID); err != nil {
		return "", err
	}
	if err := o.player.Resume(ctx, deviceID); err != nil {
		if fatal(err) {
			return "", err
		}
		o.logger.WithError(err).Debug("Resume after skip failed")
	}
	return o.verify(ctx, uri)
}

// 5. pause, force the device active without resuming, wait, then play directly
func (o *Orchestrator) forceActivate(ctx context.Context, deviceID, uri string) (string, error) {
	if err := o.player.Pause(ctx, deviceID); err != nil && fatal(err) {
		return "", err
	}
	if err := o.player.Transfer(ctx, deviceID, false); err != nil {
		return "", err
	}
	if err := o.sleep(ctx, o.cfg.ActivateDelay); err != nil {
		return "", err
	}
	if err := o.player.Play(ctx, deviceID, uri); err != nil {
		return "", err
	}
	return o.verify(ctx, uri)
}

// verify waits and reads back the playing track
func (o *Orchestrator) verify(ctx context.Context, uri string) (string, error) {
	if err := o.sleep(ctx, o.cfg.VerifyDelay); err != nil {
		return "", err
	}
	state, err := o.player.State(ctx)
	if err != nil {
		return "", err
	}
	want := models.TrackIDFromURI(uri)
	if state.TrackID != want {
		return state.TrackID, ErrNotVerified
	}
	return state.TrackID, nil
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := o.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fatal errors end the transfer without trying further strategies
func fatal(err error) bool {
	switch errs.KindOf(err) {
	case errs.KindProviderAuth, errs.KindAccount:
		return true
	}
	return false
}
