// Package device drives the host's playback device through its lifecycle:
// acquiring the endpoint, registering the device with the provider,
// confirming the registration and recovering when the device drops.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"toptrack/internal/endpoint"
	"toptrack/internal/errs"
	"toptrack/internal/provider"
	"toptrack/pkg/models"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// State is a device lifecycle state
type State string

const (
	StateUninitialized State = "uninitialized"
	StateScriptLoading State = "script_loading"
	StateSdkReady      State = "sdk_ready"
	StateRegistering   State = "device_registering"
	StateActive        State = "device_active"
	StateNotReady      State = "not_ready"
	StateInitError     State = "init_error"
	StateAuthError     State = "auth_error"
	StateAccountError  State = "account_error"
)

var transitions = map[State][]State{
	StateUninitialized: {StateScriptLoading},
	StateScriptLoading: {StateSdkReady, StateInitError},
	StateSdkReady:      {StateRegistering, StateInitError, StateAuthError, StateAccountError},
	StateRegistering:   {StateActive, StateInitError, StateAuthError, StateAccountError},
	StateActive:        {StateNotReady, StateRegistering, StateAuthError, StateAccountError},
	StateNotReady:      {StateRegistering, StateInitError, StateAuthError, StateAccountError},
	StateInitError:     {StateScriptLoading},
	StateAuthError:     {StateScriptLoading},
	StateAccountError:  {StateScriptLoading},
}

// CanTransition reports whether from → to is a legal move. Teardown to
// StateUninitialized is always legal.
func CanTransition(from, to State) bool {
	if to == StateUninitialized {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrStopped is returned when the manager was torn down mid-operation
var ErrStopped = errors.New("device manager stopped")

// Endpoint is the local playback endpoint
type Endpoint interface {
	Load(ctx context.Context) error
	IsLoaded() bool
	Loaded() <-chan struct{}
	Connect(ctx context.Context, opts endpoint.ConnectOptions) (string, error)
	Events() <-chan endpoint.Event
	Disconnect() error
}

// Provider is the subset of the provider API used for registration
type Provider interface {
	Product(ctx context.Context) (string, error)
	Devices(ctx context.Context) ([]provider.Device, error)
	Transfer(ctx context.Context, deviceID string, play bool) error
}

// Config bounds every wait in the lifecycle
type Config struct {
	Name              string
	Volume            int
	LoadAttempts      int
	LoadTimeout       time.Duration
	ReadyPollAttempts int
	ReadyPollInterval time.Duration
	ReadyTimeout      time.Duration
	ConfirmAttempts   int
	ConfirmBaseDelay  time.Duration
	NotReadyDelay     time.Duration
}

// DefaultConfig returns the stock device policy
func DefaultConfig() Config {
	return Config{
		Name:              "TopTrack Player",
		Volume:            50,
		LoadAttempts:      3,
		LoadTimeout:       10 * time.Second,
		ReadyPollAttempts: 50,
		ReadyPollInterval: 100 * time.Millisecond,
		ReadyTimeout:      15 * time.Second,
		ConfirmAttempts:   5,
		ConfirmBaseDelay:  time.Second,
		NotReadyDelay:     2 * time.Second,
	}
}

// Manager owns the host's device session
type Manager struct {
	cfg      Config
	endpoint Endpoint
	provider Provider
	tokens   oauth2.TokenSource
	clock    clock.Clock
	logger   *logrus.Entry

	mu         sync.Mutex
	state      State
	session    models.DeviceSession
	gen        uint64
	ctx        context.Context
	cancel     context.CancelFunc
	ready      chan struct{}
	onError    []func(error)
	onState    []func(State, models.DeviceSession)
	onPlayer   []func(endpoint.Event)
	recovering bool
}

// NewManager creates an uninitialized manager
func NewManager(cfg Config, ep Endpoint, p Provider, tokens oauth2.TokenSource, clk clock.Clock, logger *logrus.Entry) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		cfg:      cfg,
		endpoint: ep,
		provider: p,
		tokens:   tokens,
		clock:    clk,
		logger:   logger.WithField("component", "device"),
		state:    StateUninitialized,
	}
}

// OnError registers a callback for lifecycle errors, fatal or not
func (m *Manager) OnError(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = append(m.onError, fn)
}

// OnState registers a callback for state transitions
func (m *Manager) OnState(fn func(State, models.DeviceSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

// OnPlayer registers a callback for playback events reported by the endpoint
func (m *Manager) OnPlayer(fn func(endpoint.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPlayer = append(m.onPlayer, fn)
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the device session
func (m *Manager) Session() models.DeviceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// DeviceID returns the registered device id, empty before registration
func (m *Manager) DeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.DeviceID
}

// Active reports whether the device is usable for playback
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateActive
}

// Start runs the lifecycle up to DeviceActive
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateUninitialized && !isErrorState(m.state) {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("device manager already started (state %s)", state)
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	gen := m.gen
	m.ctx, m.cancel = context.WithCancel(context.Background())
	scoped := m.ctx
	m.ready = make(chan struct{}, 1)
	m.mu.Unlock()

	ctx, stop := mergeCancel(ctx, scoped)
	defer stop()

	if !m.transition(gen, StateScriptLoading) {
		return ErrStopped
	}
	if err := m.loadEndpoint(ctx); err != nil {
		return m.fail(gen, StateInitError, err)
	}
	if err := m.waitLoaded(ctx); err != nil {
		return m.fail(gen, StateInitError, err)
	}
	if !m.transition(gen, StateSdkReady) {
		return ErrStopped
	}

	if err := m.checkPremium(ctx); err != nil {
		return m.fail(gen, stateFor(err), err)
	}

	go m.watch(gen, scoped)

	if err := m.register(ctx, gen); err != nil {
		return err
	}
	return nil
}

// Stop tears the device down. Late callbacks from the previous lifecycle are ignored.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	m.session = models.DeviceSession{}
	prev := m.state
	m.state = StateUninitialized
	callbacks := append([]func(State, models.DeviceSession){}, m.onState...)
	m.mu.Unlock()

	if err := m.endpoint.Disconnect(); err != nil {
		m.logger.WithError(err).Warn("Failed to disconnect endpoint")
	}
	if prev != StateUninitialized {
		m.logger.WithField("previous", prev).Info("Device stopped")
		for _, fn := range callbacks {
			fn(StateUninitialized, models.DeviceSession{})
		}
	}
}

// ConfirmRegistration polls the provider's device listing until the device
// appears, adopting a reassigned id when only the name matches, and makes it
// the inactive playback target. When the device never shows up the session
// is marked degraded and the device is assumed ready.
func (m *Manager) ConfirmRegistration(ctx context.Context) (string, error) {
	m.mu.Lock()
	gen := m.gen
	deviceID := m.session.DeviceID
	state := m.state
	m.mu.Unlock()

	if deviceID == "" || (state != StateActive && state != StateRegistering) {
		return "", errs.Registration("confirm registration", fmt.Errorf("no registered device (state %s)", state))
	}
	if state == StateActive {
		if !m.transition(gen, StateRegistering) {
			return "", ErrStopped
		}
	}

	id, err := m.confirm(ctx, gen, deviceID)
	if err != nil {
		if errors.Is(err, ErrStopped) {
			return "", err
		}
		return "", m.fail(gen, stateFor(err), err)
	}
	if !m.transition(gen, StateActive) {
		return "", ErrStopped
	}
	return id, nil
}

func (m *Manager) register(ctx context.Context, gen uint64) error {
	if !m.transition(gen, StateRegistering) {
		return ErrStopped
	}

	m.mu.Lock()
	select {
	case <-m.ready:
	default:
	}
	m.mu.Unlock()

	deviceID, err := m.endpoint.Connect(ctx, endpoint.ConnectOptions{
		Name:   m.cfg.Name,
		Tokens: m.tokens,
		Volume: m.cfg.Volume,
	})
	if err != nil {
		if errs.KindOf(err) == errs.KindUnknown {
			err = errs.Init("connect endpoint", err)
		}
		return m.fail(gen, stateFor(err), err)
	}
	if !m.update(gen, func(s *models.DeviceSession) {
		s.DeviceID = deviceID
		s.Name = m.cfg.Name
		s.Active = false
	}) {
		return ErrStopped
	}

	if err := m.waitReady(ctx); err != nil {
		if errors.Is(err, ErrStopped) {
			return err
		}
		return m.fail(gen, stateFor(err), err)
	}

	if _, err := m.confirm(ctx, gen, deviceID); err != nil {
		if errors.Is(err, ErrStopped) {
			return err
		}
		return m.fail(gen, stateFor(err), err)
	}
	if !m.transition(gen, StateActive) {
		return ErrStopped
	}
	return nil
}

func (m *Manager) loadEndpoint(ctx context.Context) error {
	attempts := max(m.cfg.LoadAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		loadCtx, cancel := context.WithTimeout(ctx, m.cfg.LoadTimeout)
		err := m.endpoint.Load(loadCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		m.logger.WithError(err).WithField("attempt", attempt).Warn("Endpoint load failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if errs.KindOf(lastErr) == errs.KindInit {
		return lastErr
	}
	return errs.Init("load endpoint", fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr))
}

// waitLoaded waits for the loaded signal, polling IsLoaded as a fallback
func (m *Manager) waitLoaded(ctx context.Context) error {
	for attempt := 0; attempt < max(m.cfg.ReadyPollAttempts, 1); attempt++ {
		if m.endpoint.IsLoaded() {
			return nil
		}
		t := m.clock.Timer(m.cfg.ReadyPollInterval)
		select {
		case <-m.endpoint.Loaded():
			t.Stop()
			return nil
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	if m.endpoint.IsLoaded() {
		return nil
	}
	return errs.Init("wait for endpoint", errors.New("endpoint never signalled ready"))
}

func (m *Manager) checkPremium(ctx context.Context) error {
	product, err := m.provider.Product(ctx)
	if err != nil {
		return err
	}
	if !strings.EqualFold(product, provider.ProductPremium) {
		return errs.Account("check account", fmt.Sprintf("Spotify Premium is required for playback (account is %q)", product))
	}
	return nil
}

func (m *Manager) waitReady(ctx context.Context) error {
	m.mu.Lock()
	ready := m.ready
	m.mu.Unlock()

	t := m.clock.Timer(m.cfg.ReadyTimeout)
	defer t.Stop()
	select {
	case <-ready:
		return nil
	case <-t.C:
		return errs.Init("wait for device", fmt.Errorf("device not ready after %s", m.cfg.ReadyTimeout))
	case <-ctx.Done():
		if m.stopped() {
			return ErrStopped
		}
		return ctx.Err()
	}
}

func (m *Manager) confirm(ctx context.Context, gen uint64, deviceID string) (string, error) {
	attempts := max(m.cfg.ConfirmAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		devices, err := m.provider.Devices(ctx)
		if err != nil {
			if k := errs.KindOf(err); k == errs.KindProviderAuth || k == errs.KindAccount {
				return "", err
			}
			m.logger.WithError(err).WithField("attempt", attempt).Warn("Device listing failed")
		}

		if found, ok := match(devices, deviceID, m.cfg.Name); ok {
			if found.ID != deviceID {
				m.logger.WithFields(logrus.Fields{
					"expected": deviceID,
					"adopted":  found.ID,
				}).Info("Device registered under a different id")
			}
			if !found.Active {
				if err := m.provider.Transfer(ctx, found.ID, false); err != nil {
					if k := errs.KindOf(err); k == errs.KindProviderAuth || k == errs.KindAccount {
						return "", err
					}
					m.logger.WithError(err).Warn("Failed to activate device")
				}
			}
			if !m.update(gen, func(s *models.DeviceSession) {
				s.DeviceID = found.ID
				s.Active = true
				s.Degraded = false
				s.LastVerified = m.clock.Now()
			}) {
				return "", ErrStopped
			}
			m.logger.WithFields(logrus.Fields{
				"device_id": found.ID,
				"attempt":   attempt,
			}).Info("Device registration confirmed")
			return found.ID, nil
		}

		if attempt == attempts {
			break
		}
		if err := m.sleep(ctx, m.cfg.ConfirmBaseDelay*time.Duration(attempt)); err != nil {
			if m.stopped() {
				return "", ErrStopped
			}
			return "", err
		}
	}

	if !m.update(gen, func(s *models.DeviceSession) {
		s.Active = true
		s.Degraded = true
		s.LastVerified = m.clock.Now()
	}) {
		return "", ErrStopped
	}
	m.logger.WithField("device_id", deviceID).Warn("Device not listed by provider, assuming ready")
	m.report(errs.Registration("confirm registration",
		fmt.Errorf("device %s not listed after %d attempts", deviceID, attempts)))
	return deviceID, nil
}

// watch consumes endpoint events for one lifecycle
func (m *Manager) watch(gen uint64, ctx context.Context) {
	events := m.endpoint.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !m.live(gen) {
				return
			}
			m.handleEvent(gen, ev)
		}
	}
}

func (m *Manager) handleEvent(gen uint64, ev endpoint.Event) {
	log := m.logger.WithFields(logrus.Fields{"event": ev.Kind, "device_id": ev.DeviceID})
	switch ev.Kind {
	case endpoint.EventReady:
		log.Info("Device ready")
		m.mu.Lock()
		ready := m.ready
		m.mu.Unlock()
		select {
		case ready <- struct{}{}:
		default:
		}
	case endpoint.EventNotReady:
		log.Warn("Device went offline")
		go m.recover(gen)
	case endpoint.EventAuthError:
		m.fail(gen, StateAuthError, errs.ProviderAuth("endpoint", errors.New(ev.Message)))
	case endpoint.EventAccountError:
		m.fail(gen, StateAccountError, errs.Account("endpoint", ev.Message))
	case endpoint.EventInitError:
		m.fail(gen, StateInitError, errs.Init("endpoint", errors.New(ev.Message)))
	case endpoint.EventPlaybackError:
		log.WithField("message", ev.Message).Warn("Endpoint playback error")
		m.report(errs.ProviderPlayback("endpoint", errors.New(ev.Message)))
		m.notifyPlayer(ev)
	default:
		m.notifyPlayer(ev)
	}
}

// recover reconnects the endpoint once after a fixed delay
func (m *Manager) recover(gen uint64) {
	m.mu.Lock()
	if m.recovering || m.gen != gen || m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.recovering = true
	ctx := m.ctx
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.recovering = false
		m.mu.Unlock()
	}()

	if !m.update(gen, func(s *models.DeviceSession) { s.Active = false }) {
		return
	}
	if !m.transition(gen, StateNotReady) {
		return
	}
	if err := m.sleep(ctx, m.cfg.NotReadyDelay); err != nil {
		return
	}
	if !m.live(gen) {
		return
	}

	m.logger.Info("Reconnecting device")
	if err := m.register(ctx, gen); err != nil && !errors.Is(err, ErrStopped) {
		m.logger.WithError(err).Error("Device reconnection failed")
	}
}

func (m *Manager) notifyPlayer(ev endpoint.Event) {
	m.mu.Lock()
	callbacks := append([]func(endpoint.Event){}, m.onPlayer...)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(ev)
	}
}

// transition moves to next if the lifecycle gen is still live and the move is legal
func (m *Manager) transition(gen uint64, next State) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return true
	}
	if !CanTransition(prev, next) {
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{"from": prev, "to": next}).Warn("Ignoring illegal device transition")
		return false
	}
	m.state = next
	session := m.session
	callbacks := append([]func(State, models.DeviceSession){}, m.onState...)
	m.session.State = string(next)
	session.State = string(next)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{"from": prev, "to": next}).Debug("Device state changed")
	for _, fn := range callbacks {
		fn(next, session)
	}
	return true
}

func (m *Manager) update(gen uint64, fn func(*models.DeviceSession)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	fn(&m.session)
	return true
}

// fail moves to an error state, reports err and returns it
func (m *Manager) fail(gen uint64, state State, err error) error {
	if !m.live(gen) {
		return ErrStopped
	}
	m.transition(gen, state)
	m.update(gen, func(s *models.DeviceSession) { s.Active = false })
	m.logger.WithError(err).WithField("state", state).Error("Device lifecycle failed")
	m.report(err)
	return err
}

func (m *Manager) report(err error) {
	m.mu.Lock()
	callbacks := append([]func(error){}, m.onError...)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(err)
	}
}

func (m *Manager) live(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) stopped() bool {
	m.mu.Lock()
	scoped := m.ctx
	m.mu.Unlock()
	return scoped != nil && scoped.Err() != nil
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	t := m.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func match(devices []provider.Device, deviceID, name string) (provider.Device, bool) {
	for _, d := range devices {
		if d.ID == deviceID {
			return d, true
		}
	}
	for _, d := range devices {
		if name != "" && d.Name == name {
			return d, true
		}
	}
	return provider.Device{}, false
}

func stateFor(err error) State {
	switch errs.KindOf(err) {
	case errs.KindProviderAuth:
		return StateAuthError
	case errs.KindAccount:
		return StateAccountError
	default:
		return StateInitError
	}
}

func isErrorState(s State) bool {
	return s == StateInitError || s == StateAuthError || s == StateAccountError
}

// mergeCancel returns a context cancelled when either parent is
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
