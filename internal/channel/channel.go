// Package channel maintains the persistent websocket connection between a
// participant and the room service: membership announcement, event dispatch,
// bounded reconnection and an exactly-once teardown.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"toptrack/internal/errs"
	"toptrack/pkg/models"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by Emit while no transport is up
var ErrNotConnected = errors.New("channel not connected")

// State is the lifecycle state of the channel
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Handler receives the raw payload of one inbound event
type Handler func(data json.RawMessage)

// Conn is the subset of *websocket.Conn used by the channel
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens transport connections
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// Dial implements Dialer
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options configures connection and reconnection behaviour
type Options struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	ConnectTimeout    time.Duration
}

// DefaultOptions returns the stock reconnection policy: 5 attempts, 1s base, 5s cap
func DefaultOptions(url string) Options {
	return Options{
		URL:               url,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		ReconnectDelayMax: 5 * time.Second,
		ConnectTimeout:    20 * time.Second,
	}
}

// Channel is one duplex connection scoped to a room
type Channel struct {
	opts   Options
	dialer Dialer
	clock  clock.Clock
	logger *logrus.Entry

	mu          sync.RWMutex
	conn        Conn
	state       State
	roomID      string
	participant models.Participant
	handlers    map[EventKind][]Handler
	onError     []func(error)
	onReconnect []func()
	onState     []func(State)

	writeMu   sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a disconnected channel
func New(opts Options, dialer Dialer, clk clock.Clock, logger *logrus.Entry) *Channel {
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		opts:     opts,
		dialer:   dialer,
		clock:    clk,
		logger:   logger.WithField("component", "channel"),
		state:    StateDisconnected,
		handlers: make(map[EventKind][]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// On registers a handler for an inbound event kind. Handlers run on the
// read goroutine in delivery order and must not call Disconnect.
func (c *Channel) On(kind EventKind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], h)
}

// OnError registers a callback for transport and server-pushed errors
func (c *Channel) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

// OnReconnect registers a callback fired after membership is re-announced
func (c *Channel) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// OnState registers a callback for lifecycle transitions
func (c *Channel) OnState(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// State returns the current lifecycle state
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect dials the room service and announces membership once the
// transport is up. Dial failures are retried with the reconnection policy.
func (c *Channel) Connect(ctx context.Context, roomID string, participant models.Participant) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot connect channel in state %s", state)
	}
	c.roomID = roomID
	c.participant = participant
	c.mu.Unlock()
	c.setState(StateConnecting)

	conn, err := c.establish(ctx, true)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.done = make(chan struct{})
	c.mu.Unlock()
	go c.run(conn)
	return nil
}

// Emit sends an outbound event
func (c *Channel) Emit(kind EventKind, payload any) error {
	c.mu.RLock()
	conn, state := c.conn, c.state
	c.mu.RUnlock()
	if state != StateConnected || conn == nil {
		return errs.Transport("emit "+string(kind), ErrNotConnected)
	}
	return c.write(conn, kind, payload)
}

// Disconnect sends a best-effort leave notice and tears the transport down.
// Only the first call has any effect.
func (c *Channel) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.RLock()
		conn, state, done := c.conn, c.state, c.done
		leave := LeavePayload{RoomID: c.roomID, UserID: c.participant.ID}
		c.mu.RUnlock()

		if state == StateConnected && conn != nil {
			if err := c.write(conn, EventLeaveRoom, leave); err != nil {
				c.logger.WithError(err).Debug("Failed to send leave notice")
			}
		}

		c.setState(StateClosed)
		c.cancel()

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		if done != nil {
			select {
			case <-done:
			case <-time.After(c.opts.ConnectTimeout + time.Second):
				c.logger.Warn("Timed out waiting for read loop to exit")
			}
		}
		c.logger.WithField("room_id", leave.RoomID).Info("Channel disconnected")
	})
}

// run reads until the transport fails, then reconnects within the policy
func (c *Channel) run(conn Conn) {
	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()
	defer close(done)

	for {
		err := c.readLoop(conn)
		if c.closing() {
			return
		}

		c.report(errs.Transport("read", err))
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
		c.setState(StateReconnecting)

		conn, err = c.establish(c.ctx, false)
		if err != nil {
			if !c.closing() {
				c.setState(StateDisconnected)
				c.report(err)
			}
			return
		}

		c.mu.RLock()
		hooks := append([]func(){}, c.onReconnect...)
		c.mu.RUnlock()
		for _, fn := range hooks {
			fn()
		}
	}
}

// establish dials and announces membership. The first attempt is immediate
// when initial is set; every other attempt waits for the next backoff step.
func (c *Channel) establish(ctx context.Context, initial bool) (Conn, error) {
	b := &backoff.Backoff{
		Min:    c.opts.ReconnectDelay,
		Max:    c.opts.ReconnectDelayMax,
		Factor: 2,
	}
	attempts := c.opts.ReconnectAttempts
	if initial {
		attempts++
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if !initial || attempt > 1 {
			delay := b.Duration()
			c.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).Info("Reconnection attempt")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, errs.Transport("reconnect", err)
			}
		}

		conn, err := c.dialOnce(ctx)
		if err != nil {
			lastErr = err
			c.logger.WithError(err).WithField("attempt", attempt).Warn("Channel dial failed")
			continue
		}

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			conn.Close()
			return nil, errs.Transport("connect", context.Canceled)
		}
		c.conn = conn
		c.mu.Unlock()

		// nothing may observe the connection as usable before the room knows us
		if err := c.announce(conn); err != nil {
			lastErr = err
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			conn.Close()
			continue
		}
		c.setState(StateConnected)
		if !initial || attempt > 1 {
			c.logger.WithField("attempt", attempt).Info("Reconnected to room")
		}
		return conn, nil
	}

	return nil, errs.Transport("connect", fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr))
}

func (c *Channel) dialOnce(ctx context.Context) (Conn, error) {
	dialCtx := ctx
	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}
	return c.dialer.Dial(dialCtx, c.opts.URL)
}

// announce sends join_room on a freshly connected transport
func (c *Channel) announce(conn Conn) error {
	c.mu.RLock()
	join := JoinPayload{
		RoomID:   c.roomID,
		UserID:   c.participant.ID,
		Username: c.participant.Name,
		Role:     c.participant.Role,
	}
	c.mu.RUnlock()

	if err := c.write(conn, EventJoinRoom, join); err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"room_id": join.RoomID,
		"user_id": join.UserID,
		"role":    join.Role,
	}).Info("Joined room")
	return nil
}

func (c *Channel) readLoop(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.WithError(err).Warn("Dropping malformed frame")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env Envelope) {
	if env.Event == EventError {
		msg := "server error"
		if p, err := Decode[ErrorPayload](env.Data); err == nil && p.Message != "" {
			msg = p.Message
		}
		c.report(errs.New(errs.KindTransport, "server", msg, nil))
	}

	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers[env.Event]...)
	c.mu.RUnlock()

	if len(handlers) == 0 {
		c.logger.WithField("event", env.Event).Debug("No handler for event")
		return
	}
	for _, h := range handlers {
		h(env.Data)
	}
}

func (c *Channel) write(conn Conn, kind EventKind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	frame, err := json.Marshal(Envelope{Event: kind, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", kind, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errs.Transport("emit "+string(kind), err)
	}
	return nil
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) error {
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *Channel) closing() bool {
	return c.ctx.Err() != nil
}

func (c *Channel) report(err error) {
	c.logger.WithError(err).Warn("Channel error")
	c.mu.RLock()
	callbacks := append([]func(error){}, c.onError...)
	c.mu.RUnlock()
	for _, fn := range callbacks {
		fn(err)
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s || (c.state == StateClosed && s != StateClosed) {
		c.mu.Unlock()
		return
	}
	c.state = s
	callbacks := append([]func(State){}, c.onState...)
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn(s)
	}
}
