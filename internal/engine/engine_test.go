package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"toptrack/internal/channel"
	"toptrack/internal/database"
	"toptrack/internal/device"
	"toptrack/internal/endpoint"
	"toptrack/internal/errs"
	"toptrack/internal/queue"
	"toptrack/internal/roomservice"
	"toptrack/internal/roomtest"
	"toptrack/internal/session"
	"toptrack/internal/transfer"
	"toptrack/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	roomID  = "room-1"
	trackID = "4uLU6hMCjMI75M1A2tKUQC"
	wait    = 2 * time.Second
)

type fakeTokens struct {
	mu        sync.Mutex
	started   bool
	stopped   bool
	err       error
	onFailure []func(error)
}

func (f *fakeTokens) Start(ctx context.Context) error {
	f.mu.Lock()
	f.started = true
	err := f.err
	callbacks := f.onFailure
	f.mu.Unlock()
	if err != nil {
		for _, fn := range callbacks {
			fn(err)
		}
	}
	return err
}

func (f *fakeTokens) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeTokens) OnFailure(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFailure = append(f.onFailure, fn)
}

type fakeDevice struct {
	mu       sync.Mutex
	state    device.State
	session  models.DeviceSession
	onState  []func(device.State, models.DeviceSession)
	onError  []func(error)
	onPlayer []func(endpoint.Event)
	stopped  bool
}

func (f *fakeDevice) Start(ctx context.Context) error {
	f.mu.Lock()
	f.state = device.StateActive
	f.session = models.DeviceSession{DeviceID: "dev-1", Name: "TopTrack Player", Active: true}
	sess := f.session
	callbacks := f.onState
	f.mu.Unlock()
	for _, fn := range callbacks {
		fn(device.StateActive, sess)
	}
	return nil
}

func (f *fakeDevice) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.state = device.StateUninitialized
}

func (f *fakeDevice) DeviceID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session.DeviceID
}

func (f *fakeDevice) State() device.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return device.StateUninitialized
	}
	return f.state
}

func (f *fakeDevice) Session() models.DeviceSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeDevice) OnError(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onError = append(f.onError, fn)
}

func (f *fakeDevice) OnState(fn func(device.State, models.DeviceSession)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = append(f.onState, fn)
}

func (f *fakeDevice) OnPlayer(fn func(endpoint.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPlayer = append(f.onPlayer, fn)
}

type fakeTransfer struct {
	mu       sync.Mutex
	tracks   []models.CurrentTrack
	err      error
	last     *transfer.Result
	canceled int
}

func (f *fakeTransfer) Transfer(ctx context.Context, track models.CurrentTrack) (transfer.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	res := transfer.Result{Track: track, DeviceID: "dev-1", Strategy: transfer.StrategyDirectPlay}
	f.last = &res
	if f.err != nil {
		return res, f.err
	}
	return res, nil
}

func (f *fakeTransfer) Retry(ctx context.Context) (transfer.Result, error) {
	f.mu.Lock()
	if len(f.tracks) == 0 {
		f.mu.Unlock()
		return transfer.Result{}, transfer.ErrNothingToRetry
	}
	track := f.tracks[len(f.tracks)-1]
	f.mu.Unlock()
	return f.Transfer(ctx, track)
}

func (f *fakeTransfer) LastResult() (transfer.Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return transfer.Result{}, false
	}
	return *f.last, true
}

func (f *fakeTransfer) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled++
}

func (f *fakeTransfer) played() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.tracks))
	for _, t := range f.tracks {
		ids = append(ids, t.TrackID)
	}
	return ids
}

type fakeHistory struct {
	mu      sync.Mutex
	records []database.PlayRecord
}

func (f *fakeHistory) RecordPlay(rec database.PlayRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return int64(len(f.records)), nil
}

func (f *fakeHistory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type harness struct {
	srv    *roomtest.Server
	engine *Engine
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newDeps(srv *roomtest.Server, sess session.Context) Deps {
	rooms := roomservice.NewClient(srv.URL, time.Second, nil, nil)
	opts := channel.Options{
		URL:               srv.WSURL(),
		ReconnectAttempts: 5,
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectDelayMax: 50 * time.Millisecond,
		ConnectTimeout:    time.Second,
	}
	return Deps{
		Session: sess,
		Rooms:   rooms,
		Channel: channel.New(opts, nil, nil, nil),
		Queue:   queue.NewClient(sess.RoomID, rooms, nil),
	}
}

func start(t *testing.T, srv *roomtest.Server, deps Deps) *harness {
	t.Helper()
	e, err := New(DefaultConfig(), deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{srv: srv, engine: e, cancel: cancel, done: make(chan struct{})}
	go func() {
		h.err = e.Run(ctx)
		close(h.done)
	}()

	_, err = srv.NextEvent(string(channel.EventJoinRoom), wait)
	require.NoError(t, err)
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(wait):
	}
}

func member() session.Context {
	return session.Context{ParticipantID: "m1", DisplayName: "Member", Role: models.RoleMember, RoomID: roomID}
}

func host() session.Context {
	return session.Context{ParticipantID: "h1", DisplayName: "Host", Role: models.RoleHost, RoomID: roomID}
}

func newServer(t *testing.T) *roomtest.Server {
	t.Helper()
	srv := roomtest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddRoom(models.Room{ID: roomID, Name: "Friday", IsActive: true})
	return srv
}

func song(id, track string, voters ...string) channel.SongAddedPayload {
	return channel.SongAddedPayload{Song: models.QueueEntry{ID: id, TrackID: track, Title: "Song " + id, Voters: voters}}
}

func queueIDs(e *Engine) []string {
	var ids []string
	for _, entry := range e.Queue() {
		ids = append(ids, entry.ID)
	}
	return ids
}

func TestNewRequiresHostComponents(t *testing.T) {
	srv := newServer(t)
	_, err := New(DefaultConfig(), newDeps(srv, host()))
	require.Error(t, err)

	_, err = New(DefaultConfig(), newDeps(srv, session.Context{RoomID: roomID}))
	require.Error(t, err)
}

func TestInactiveRoomIsRejected(t *testing.T) {
	srv := newServer(t)
	srv.AddRoom(models.Room{ID: "closed", IsActive: false})

	sess := member()
	sess.RoomID = "closed"
	e, err := New(DefaultConfig(), newDeps(srv, sess))
	require.NoError(t, err)

	err = e.Run(context.Background())
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.Equal(t, 0, srv.Connections())
}

func TestQueueFollowsChannelEvents(t *testing.T) {
	srv := newServer(t)
	h := start(t, srv, newDeps(srv, member()))

	require.NoError(t, srv.Push(string(channel.EventSongAdded), song("a", "ta")))
	require.NoError(t, srv.Push(string(channel.EventSongAdded), song("b", "tb")))
	require.NoError(t, srv.Push(string(channel.EventSongAdded), song("a", "ta")))
	require.Eventually(t, func() bool { return len(h.engine.Queue()) == 2 }, wait, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, queueIDs(h.engine))

	require.NoError(t, srv.Push(string(channel.EventVoteUpdated), channel.VoteUpdatedPayload{SongID: "b", UserID: "u1", VoteType: channel.VoteTypeUp}))
	require.Eventually(t, func() bool {
		ids := queueIDs(h.engine)
		return len(ids) == 2 && ids[0] == "b"
	}, wait, 10*time.Millisecond)

	require.NoError(t, srv.Push(string(channel.EventSongRemoved), channel.SongRemovedPayload{RoomID: roomID, SongID: "b"}))
	require.Eventually(t, func() bool {
		ids := queueIDs(h.engine)
		return len(ids) == 1 && ids[0] == "a"
	}, wait, 10*time.Millisecond)
}

func TestAddSong(t *testing.T) {
	srv := newServer(t)
	srv.SetTrackInfo(trackID, models.QueueEntry{Title: "Song", Artist: "Artist", DurationMs: 1000})
	h := start(t, srv, newDeps(srv, member()))

	_, err := h.engine.AddSong(context.Background(), "")
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = h.engine.AddSong(context.Background(), "https://example.com/song")
	assert.True(t, errors.Is(err, errs.ErrValidation))

	link := "https://open.spotify.com/track/" + trackID
	entry, err := h.engine.AddSong(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, "Song", entry.Title)
	assert.Equal(t, "m1", entry.AddedBy)

	frame, err := srv.NextEvent(string(channel.EventAddSong), wait)
	require.NoError(t, err)
	var payload channel.AddSongPayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, roomID, payload.RoomID)
	assert.Equal(t, "m1", payload.AddedBy)
	assert.Equal(t, trackID, payload.Song.TrackID)

	// once the room echoes it back, the same track is rejected locally
	require.NoError(t, srv.Push(string(channel.EventSongAdded), song("s1", trackID)))
	require.Eventually(t, func() bool { return len(h.engine.Queue()) == 1 }, wait, 10*time.Millisecond)
	_, err = h.engine.AddSong(context.Background(), "spotify:track:"+trackID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.Contains(t, err.Error(), "already in the queue")
}

func TestVote(t *testing.T) {
	srv := newServer(t)
	h := start(t, srv, newDeps(srv, member()))

	err := h.engine.Vote("missing")
	assert.True(t, errors.Is(err, errs.ErrValidation))

	require.NoError(t, srv.Push(string(channel.EventSongAdded), song("a", "ta")))
	require.Eventually(t, func() bool { return len(h.engine.Queue()) == 1 }, wait, 10*time.Millisecond)

	require.NoError(t, h.engine.Vote("a"))
	frame, err := srv.NextEvent(string(channel.EventVoteSong), wait)
	require.NoError(t, err)
	var payload channel.VoteSongPayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, channel.VoteSongPayload{RoomID: roomID, SongID: "a", UserID: "m1"}, payload)
}

func TestMemberCannotControlPlayback(t *testing.T) {
	srv := newServer(t)
	h := start(t, srv, newDeps(srv, member()))

	err := h.engine.NextTrack()
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.ErrorIs(t, err, ErrHostOnly)

	_, err = h.engine.RetryTransfer(context.Background())
	assert.ErrorIs(t, err, ErrHostOnly)

	_, ok := h.engine.LastTransfer()
	assert.False(t, ok)
}

func TestRosterFollowsMembership(t *testing.T) {
	srv := newServer(t)
	h := start(t, srv, newDeps(srv, member()))

	require.NoError(t, srv.Push(string(channel.EventUserJoined), channel.MembershipPayload{RoomID: roomID, UserID: "m1", Username: "Member", Role: models.RoleMember}))
	require.NoError(t, srv.Push(string(channel.EventUserJoined), channel.MembershipPayload{RoomID: roomID, UserID: "h1", Username: "Host", Role: models.RoleHost}))
	require.Eventually(t, func() bool { return len(h.engine.Participants()) == 2 }, wait, 10*time.Millisecond)

	require.NoError(t, srv.Push(string(channel.EventUserLeft), channel.MembershipPayload{RoomID: roomID, UserID: "h1"}))
	require.Eventually(t, func() bool { return len(h.engine.Participants()) == 1 }, wait, 10*time.Millisecond)
	assert.Equal(t, "m1", h.engine.Participants()[0].ID)
}

func TestServerErrorIsSurfaced(t *testing.T) {
	srv := newServer(t)
	h := start(t, srv, newDeps(srv, member()))

	errCh := make(chan error, 1)
	h.engine.OnError(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})

	require.NoError(t, srv.Push(string(channel.EventError), channel.ErrorPayload{Message: "Room is full"}))
	select {
	case err := <-errCh:
		assert.Contains(t, err.Error(), "Room is full")
	case <-time.After(wait):
		t.Fatal("error not surfaced")
	}
	assert.Contains(t, h.engine.Status().LastError, "Room is full")
}

func TestReconnectRetainsQueue(t *testing.T) {
	srv := newServer(t)
	h := start(t, srv, newDeps(srv, member()))

	require.NoError(t, srv.Push(string(channel.EventSongAdded), song("a", "ta", "u1")))
	require.Eventually(t, func() bool { return len(h.engine.Queue()) == 1 }, wait, 10*time.Millisecond)

	srv.SetQueue(roomID, []models.QueueEntry{{ID: "b", TrackID: "tb", Title: "Song b"}})
	srv.DropConnections()

	_, err := srv.NextEvent(string(channel.EventJoinRoom), wait)
	require.NoError(t, err, "membership re-announced")

	require.Eventually(t, func() bool { return len(h.engine.Queue()) == 2 }, wait, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, queueIDs(h.engine), "voted local entry keeps its lead")
	assert.Equal(t, channel.StateConnected, h.engine.Status().Channel)
}

type hostFakes struct {
	tokens   *fakeTokens
	device   *fakeDevice
	transfer *fakeTransfer
	history  *fakeHistory
}

func startHost(t *testing.T, srv *roomtest.Server) (*harness, hostFakes) {
	t.Helper()
	f := hostFakes{
		tokens:   &fakeTokens{},
		device:   &fakeDevice{},
		transfer: &fakeTransfer{},
		history:  &fakeHistory{},
	}
	deps := newDeps(srv, host())
	deps.Tokens = f.tokens
	deps.Device = f.device
	deps.Transfer = f.transfer
	deps.History = f.history
	return start(t, srv, deps), f
}

func TestHostPlaysTopEntry(t *testing.T) {
	srv := newServer(t)
	h, f := startHost(t, srv)

	frame, err := srv.NextEvent(string(channel.EventDeviceReady), wait)
	require.NoError(t, err)
	var ready channel.DeviceReadyPayload
	require.NoError(t, json.Unmarshal(frame.Data, &ready))
	assert.Equal(t, channel.DeviceReadyPayload{RoomID: roomID, DeviceID: "dev-1"}, ready)

	require.NoError(t, srv.Push(string(channel.EventSongAdded), song("a", "ta")))
	require.Eventually(t, func() bool {
		played := f.transfer.played()
		return len(played) > 0 && played[len(played)-1] == "ta"
	}, wait, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.history.count() > 0 }, wait, 10*time.Millisecond)

	st := h.engine.PlayerState()
	require.NotNil(t, st.Desired)
	assert.Equal(t, "ta", st.Desired.TrackID)
	assert.True(t, st.Verified)

	// a second entry with more votes takes over the top
	require.NoError(t, srv.Push(string(channel.EventSongAdded), song("b", "tb", "u1")))
	require.Eventually(t, func() bool {
		played := f.transfer.played()
		return played[len(played)-1] == "tb"
	}, wait, 10*time.Millisecond)

	status := h.engine.Status()
	assert.Equal(t, device.StateActive, status.Device)
	require.NotNil(t, status.NowPlaying)
	assert.Equal(t, "b", status.NowPlaying.ID)
}

func TestHostAdvancesQueue(t *testing.T) {
	srv := newServer(t)
	h, _ := startHost(t, srv)
	_, err := srv.NextEvent(string(channel.EventDeviceReady), wait)
	require.NoError(t, err)

	require.NoError(t, srv.Push(string(channel.EventNextSongNeeded), map[string]string{"room_id": roomID}))
	frame, err := srv.NextEvent(string(channel.EventGetNextSong), wait)
	require.NoError(t, err)
	var req channel.NextSongRequest
	require.NoError(t, json.Unmarshal(frame.Data, &req))
	assert.Equal(t, channel.NextSongRequest{RoomID: roomID, UserID: "h1"}, req)

	require.NoError(t, h.engine.NextTrack())
	_, err = srv.NextEvent(string(channel.EventGetNextSong), wait)
	require.NoError(t, err)
}

func TestHostRetryAfterFailure(t *testing.T) {
	srv := newServer(t)
	h, f := startHost(t, srv)
	_, err := srv.NextEvent(string(channel.EventDeviceReady), wait)
	require.NoError(t, err)

	failure := errs.ProviderPlayback("transfer", &transfer.ExhaustedError{TrackID: "ta"})
	f.transfer.mu.Lock()
	f.transfer.err = failure
	f.transfer.mu.Unlock()

	require.NoError(t, srv.Push(string(channel.EventSongAdded), song("a", "ta")))
	require.Eventually(t, func() bool {
		return h.engine.Status().LastError != ""
	}, wait, 10*time.Millisecond)
	status := h.engine.Status()
	assert.True(t, status.Recoverable)
	assert.False(t, h.engine.PlayerState().Verified)

	f.transfer.mu.Lock()
	f.transfer.err = nil
	f.transfer.mu.Unlock()

	res, err := h.engine.RetryTransfer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ta", res.Track.TrackID)
	assert.True(t, h.engine.PlayerState().Verified)
	assert.Equal(t, 1, f.history.count())
}

func TestHostWithoutCredential(t *testing.T) {
	srv := newServer(t)
	f := hostFakes{
		tokens:   &fakeTokens{err: errs.ProviderAuth("fetch token", errors.New("no token"))},
		device:   &fakeDevice{},
		transfer: &fakeTransfer{},
	}
	deps := newDeps(srv, host())
	deps.Tokens = f.tokens
	deps.Device = f.device
	deps.Transfer = f.transfer
	h := start(t, srv, deps)

	require.Eventually(t, func() bool { return h.engine.Status().LastError != "" }, wait, 10*time.Millisecond)
	status := h.engine.Status()
	assert.False(t, status.Recoverable)
	assert.Equal(t, device.StateUninitialized, status.Device)

	// the queue still works without playback
	require.NoError(t, srv.Push(string(channel.EventSongAdded), song("a", "ta")))
	require.Eventually(t, func() bool { return len(h.engine.Queue()) == 1 }, wait, 10*time.Millisecond)
	assert.Empty(t, f.transfer.played())
}

func TestCredentialLossTearsDownDevice(t *testing.T) {
	srv := newServer(t)
	h, f := startHost(t, srv)
	_, err := srv.NextEvent(string(channel.EventDeviceReady), wait)
	require.NoError(t, err)

	require.NoError(t, srv.Push(string(channel.EventSongAdded), song("a", "ta")))
	require.Eventually(t, func() bool { return h.engine.PlayerState().Verified }, wait, 10*time.Millisecond)

	f.tokens.mu.Lock()
	callbacks := f.tokens.onFailure
	f.tokens.mu.Unlock()
	require.NotEmpty(t, callbacks)
	for _, fn := range callbacks {
		fn(errs.ProviderAuth("refresh token", errors.New("401")))
	}

	f.device.mu.Lock()
	assert.True(t, f.device.stopped)
	f.device.mu.Unlock()
	f.transfer.mu.Lock()
	assert.Positive(t, f.transfer.canceled)
	f.transfer.mu.Unlock()

	status := h.engine.Status()
	assert.Equal(t, device.StateUninitialized, status.Device)
	assert.False(t, status.Recoverable)
	assert.Nil(t, h.engine.PlayerState().Desired)
}

func TestShutdownStopsHostComponents(t *testing.T) {
	srv := newServer(t)
	h, f := startHost(t, srv)
	_, err := srv.NextEvent(string(channel.EventDeviceReady), wait)
	require.NoError(t, err)

	h.stop()

	_, err = srv.NextEvent(string(channel.EventLeaveRoom), wait)
	require.NoError(t, err)
	f.device.mu.Lock()
	assert.True(t, f.device.stopped)
	f.device.mu.Unlock()
	f.tokens.mu.Lock()
	assert.True(t, f.tokens.stopped)
	f.tokens.mu.Unlock()
}
