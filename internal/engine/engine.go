// Package engine wires the room agent together: it joins the room channel,
// keeps the queue mirror and roster current, and on the host drives the
// token, device and transfer components so the top-ranked track plays.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"toptrack/internal/channel"
	"toptrack/internal/database"
	"toptrack/internal/device"
	"toptrack/internal/endpoint"
	"toptrack/internal/errs"
	"toptrack/internal/player"
	"toptrack/internal/queue"
	"toptrack/internal/roomservice"
	"toptrack/internal/session"
	"toptrack/internal/transfer"
	"toptrack/pkg/models"

	"github.com/sirupsen/logrus"
)

// ErrHostOnly is the cause of validation errors for host actions taken by members
var ErrHostOnly = errors.New("only the host can do that")

// Rooms is the room service surface the engine needs
type Rooms interface {
	Room(ctx context.Context, roomID string) (models.Room, error)
	TrackInfo(ctx context.Context, req roomservice.TrackInfoRequest) (models.QueueEntry, error)
}

// Tokens keeps the provider credential fresh
type Tokens interface {
	Start(ctx context.Context) error
	Stop()
	OnFailure(fn func(error))
}

// Device is the host's playback device lifecycle
type Device interface {
	Start(ctx context.Context) error
	Stop()
	DeviceID() string
	State() device.State
	Session() models.DeviceSession
	OnError(fn func(error))
	OnState(fn func(device.State, models.DeviceSession))
	OnPlayer(fn func(endpoint.Event))
}

// Transferrer plays a track on the device
type Transferrer interface {
	Transfer(ctx context.Context, track models.CurrentTrack) (transfer.Result, error)
	Retry(ctx context.Context) (transfer.Result, error)
	LastResult() (transfer.Result, bool)
	Cancel()
}

// History records tracks the host started
type History interface {
	RecordPlay(rec database.PlayRecord) (int64, error)
}

// Config tunes the engine's own waits
type Config struct {
	TransferTimeout time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the stock engine timing
func DefaultConfig() Config {
	return Config{
		TransferTimeout: 45 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Deps are the components the engine drives. The host-only ones may be nil
// for members.
type Deps struct {
	Session session.Context
	Rooms   Rooms
	Channel *channel.Channel
	Queue   *queue.Client
	Roster  *session.Roster
	History History

	Tokens   Tokens
	Device   Device
	Transfer Transferrer
	Player   *player.StateManager
	Monitor  *player.Monitor

	Logger *logrus.Entry
}

// Status summarizes the engine for the control API
type Status struct {
	RoomID        string               `json:"roomId"`
	RoomName      string               `json:"roomName,omitempty"`
	ParticipantID string               `json:"participantId"`
	Role          models.Role          `json:"role"`
	Channel       channel.State        `json:"channel"`
	Device        device.State         `json:"device,omitempty"`
	DeviceSession models.DeviceSession `json:"deviceSession"`
	NowPlaying    *models.QueueEntry   `json:"nowPlaying,omitempty"`
	LastError     string               `json:"lastError,omitempty"`
	Recoverable   bool                 `json:"recoverable"`
}

// Engine runs one agent instance
type Engine struct {
	cfg  Config
	deps Deps
	sess session.Context
	log  *logrus.Entry

	mu         sync.Mutex
	ctx        context.Context
	room       models.Room
	nowPlaying *models.QueueEntry
	lastErr    error
	onError    []func(error)
	monitoring bool
	running    bool
	wg         sync.WaitGroup
}

// New validates deps and registers the channel handlers
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := deps.Session.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}
	if deps.Rooms == nil || deps.Channel == nil || deps.Queue == nil {
		return nil, fmt.Errorf("rooms, channel and queue are required")
	}
	if deps.Session.IsHost() && (deps.Tokens == nil || deps.Device == nil || deps.Transfer == nil) {
		return nil, fmt.Errorf("host sessions require tokens, device and transfer")
	}
	if deps.Roster == nil {
		deps.Roster = session.NewRoster()
	}
	if deps.Player == nil {
		deps.Player = player.NewStateManager()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultConfig().TransferTimeout
	}

	e := &Engine{
		cfg:  cfg,
		deps: deps,
		sess: deps.Session,
		ctx:  context.Background(),
		log: deps.Logger.WithFields(logrus.Fields{
			"component":      "engine",
			"room_id":        deps.Session.RoomID,
			"participant_id": deps.Session.ParticipantID,
		}),
	}
	e.registerHandlers()
	return e, nil
}

// Session returns the session context the engine runs with
func (e *Engine) Session() session.Context {
	return e.sess
}

// OnError registers a callback for errors surfaced to the user
func (e *Engine) OnError(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = append(e.onError, fn)
}

// Run joins the room and blocks until ctx is cancelled, then leaves it
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.ctx = ctx
	e.mu.Unlock()

	room, err := e.deps.Rooms.Room(ctx, e.sess.RoomID)
	if err != nil {
		return fmt.Errorf("failed to look up room: %w", err)
	}
	if !room.IsActive {
		return errs.Validation("join room", "This room is no longer active")
	}
	e.mu.Lock()
	e.room = room
	e.mu.Unlock()

	if err := e.deps.Channel.Connect(ctx, e.sess.RoomID, e.sess.Participant()); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}
	e.log.WithField("room_name", room.Name).Info("Joined room")

	if u, err := e.deps.Queue.Load(ctx); err != nil {
		e.report(err)
	} else {
		e.onQueueUpdate(u)
	}

	if e.sess.IsHost() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.startHost(ctx)
		}()
	}

	<-ctx.Done()
	e.shutdown()
	return nil
}

func (e *Engine) shutdown() {
	e.log.Info("Leaving room")
	if e.sess.IsHost() {
		e.deps.Transfer.Cancel()
		e.deps.Device.Stop()
		e.deps.Tokens.Stop()
	}
	e.deps.Channel.Disconnect()
	e.deps.Roster.Clear()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	timeout := e.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	select {
	case <-done:
	case <-time.After(timeout):
		e.log.Warn("Timed out waiting for background work to stop")
	}
}

// startHost brings up the credential and the device, in that order. Both
// report their own failures through the callbacks registered in New.
func (e *Engine) startHost(ctx context.Context) {
	if err := e.deps.Tokens.Start(ctx); err != nil {
		e.log.WithError(err).Debug("Host playback unavailable without a credential")
		return
	}
	if err := e.deps.Device.Start(ctx); err != nil && !errors.Is(err, device.ErrStopped) {
		e.log.WithError(err).Debug("Device start failed")
	}
}

// AddSong validates a track link, resolves it and submits it to the room
func (e *Engine) AddSong(ctx context.Context, link string) (models.QueueEntry, error) {
	trackID, err := roomservice.ValidateTrackURL(link)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if e.deps.Queue.Contains(trackID) {
		return models.QueueEntry{}, errs.Validation("add song", "This song is already in the queue")
	}

	entry, err := e.deps.Rooms.TrackInfo(ctx, roomservice.TrackInfoRequest{
		SpotifyURL: link,
		RoomID:     e.sess.RoomID,
		AddedBy:    e.sess.ParticipantID,
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	if entry.AddedBy == "" {
		entry.AddedBy = e.sess.ParticipantID
	}

	payload := channel.AddSongPayload{
		RoomID:  e.sess.RoomID,
		AddedBy: e.sess.ParticipantID,
		Song:    entry,
	}
	if err := e.deps.Channel.Emit(channel.EventAddSong, payload); err != nil {
		return models.QueueEntry{}, err
	}
	e.log.WithFields(logrus.Fields{
		"track_id": entry.TrackID,
		"title":    entry.Title,
	}).Info("Song submitted")
	return entry, nil
}

// Vote toggles this participant's vote on a queued entry
func (e *Engine) Vote(entryID string) error {
	found := false
	for _, entry := range e.deps.Queue.Entries() {
		if entry.ID == entryID {
			found = true
			break
		}
	}
	if !found {
		return errs.Validation("vote", "That song is not in the queue")
	}
	return e.deps.Channel.Emit(channel.EventVoteSong, channel.VoteSongPayload{
		RoomID: e.sess.RoomID,
		SongID: entryID,
		UserID: e.sess.ParticipantID,
	})
}

// NextTrack asks the room to advance past the current track
func (e *Engine) NextTrack() error {
	if !e.sess.IsHost() {
		return errs.New(errs.KindValidation, "next track", "Only the host can skip tracks", ErrHostOnly)
	}
	return e.deps.Channel.Emit(channel.EventGetNextSong, channel.NextSongRequest{
		RoomID: e.sess.RoomID,
		UserID: e.sess.ParticipantID,
	})
}

// RetryTransfer re-runs the last transfer; it backs the retry affordance
// shown after a recoverable playback error
func (e *Engine) RetryTransfer(ctx context.Context) (transfer.Result, error) {
	if !e.sess.IsHost() {
		return transfer.Result{}, errs.New(errs.KindValidation, "retry transfer", "Only the host controls playback", ErrHostOnly)
	}
	res, err := e.deps.Transfer.Retry(ctx)
	if err != nil {
		if !errors.Is(err, transfer.ErrSuperseded) {
			e.report(err)
		}
		return res, err
	}
	e.transferSucceeded(res)
	return res, nil
}

// Queue returns the ordered queue mirror
func (e *Engine) Queue() []models.QueueEntry {
	return e.deps.Queue.Entries()
}

// Participants returns the room roster
func (e *Engine) Participants() []session.Member {
	return e.deps.Roster.Members()
}

// PlayerState returns the host's playback view
func (e *Engine) PlayerState() player.State {
	return e.deps.Player.GetState()
}

// LastTransfer returns the most recent transfer result, host only
func (e *Engine) LastTransfer() (transfer.Result, bool) {
	if !e.sess.IsHost() {
		return transfer.Result{}, false
	}
	return e.deps.Transfer.LastResult()
}

// Status returns a summary for the control API
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		RoomID:        e.sess.RoomID,
		RoomName:      e.room.Name,
		ParticipantID: e.sess.ParticipantID,
		Role:          e.sess.Role,
		NowPlaying:    e.nowPlaying,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
		st.Recoverable = errs.Recoverable(e.lastErr)
	}
	e.mu.Unlock()

	st.Channel = e.deps.Channel.State()
	if e.sess.IsHost() {
		st.Device = e.deps.Device.State()
		st.DeviceSession = e.deps.Device.Session()
	}
	return st
}

func (e *Engine) report(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.lastErr = err
	callbacks := append([]func(error){}, e.onError...)
	e.mu.Unlock()

	e.log.WithError(err).WithFields(logrus.Fields{
		"kind":        errs.KindOf(err).String(),
		"recoverable": errs.Recoverable(err),
	}).Warn("Room agent error")
	for _, fn := range callbacks {
		fn(err)
	}
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}
