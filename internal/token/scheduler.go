// Package token keeps the host's provider credential fresh. One refresh is
// scheduled ahead of expiry; failures are surfaced rather than retried.
package token

import (
	"context"
	"errors"
	"sync"
	"time"

	"toptrack/internal/errs"
	"toptrack/pkg/models"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	// DefaultLead is how long before expiry the refresh fires
	DefaultLead = 5 * time.Minute
	// MinInterval bounds back-to-back refreshes when a credential
	// expires sooner than the lead
	MinInterval = 10 * time.Second
)

// State of the scheduler
type State string

const (
	StateUnfetched  State = "unfetched"
	StateValid      State = "valid"
	StateRefreshing State = "refreshing"
	StateFailed     State = "failed"
)

// ErrNoCredential is returned by Token before the first successful fetch
var ErrNoCredential = errors.New("no provider credential available")

// Fetcher obtains a fresh credential for a room's host
type Fetcher interface {
	FetchToken(ctx context.Context, roomID string) (accessToken string, expiresIn time.Duration, err error)
}

// Scheduler owns the credential lifecycle for one room
type Scheduler struct {
	roomID  string
	fetcher Fetcher
	clock   clock.Clock
	lead    time.Duration
	logger  *logrus.Entry

	mu         sync.Mutex
	state      State
	credential models.Credential
	timer      *clock.Timer
	gen        uint64
	ctx        context.Context
	cancel     context.CancelFunc
	onFailure  []func(error)
	onRefresh  []func(models.Credential)
}

// NewScheduler creates an unfetched scheduler
func NewScheduler(roomID string, fetcher Fetcher, clk clock.Clock, lead time.Duration, logger *logrus.Entry) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if lead < 0 {
		lead = 0
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		roomID:  roomID,
		fetcher: fetcher,
		clock:   clk,
		lead:    lead,
		logger:  logger.WithFields(logrus.Fields{"component": "token", "room_id": roomID}),
		state:   StateUnfetched,
	}
}

// OnFailure registers a callback for refresh failures
func (s *Scheduler) OnFailure(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = append(s.onFailure, fn)
}

// OnRefresh registers a callback run after every successful fetch
func (s *Scheduler) OnRefresh(fn func(models.Credential)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRefresh = append(s.onRefresh, fn)
}

// Start performs the initial fetch and schedules the first refresh
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx == nil || s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()
	return s.Refresh(ctx)
}

// Refresh cancels any pending refresh and fetches immediately
func (s *Scheduler) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.stopTimerLocked()
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	return s.fetch(ctx, gen)
}

// Stop cancels the pending refresh and any in-flight fetch
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.gen++
	if s.cancel != nil {
		s.cancel()
	}
}

// State returns the current scheduler state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the last fetched credential
func (s *Scheduler) Current() (models.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential, s.credential.AccessToken != ""
}

// Pending reports whether a refresh is scheduled
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Token implements oauth2.TokenSource with the current credential
func (s *Scheduler) Token() (*oauth2.Token, error) {
	cred, ok := s.Current()
	if !ok {
		return nil, errs.ProviderAuth("token", ErrNoCredential)
	}
	return &oauth2.Token{
		AccessToken: cred.AccessToken,
		TokenType:   "Bearer",
		Expiry:      cred.ExpiresAt,
	}, nil
}

func (s *Scheduler) fetch(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	prev := s.state
	s.state = StateRefreshing
	s.mu.Unlock()

	token, expiresIn, err := s.fetcher.FetchToken(ctx, s.roomID)

	s.mu.Lock()
	if gen != s.gen {
		// superseded by a manual refresh or Stop
		if s.state == StateRefreshing {
			s.state = prev
		}
		s.mu.Unlock()
		return err
	}

	if err != nil {
		s.state = StateFailed
		callbacks := append([]func(error){}, s.onFailure...)
		s.mu.Unlock()

		authErr := err
		if errs.KindOf(err) != errs.KindProviderAuth {
			authErr = errs.ProviderAuth("refresh token", err)
		}
		s.logger.WithError(authErr).Error("Token refresh failed")
		for _, fn := range callbacks {
			fn(authErr)
		}
		return authErr
	}

	now := s.clock.Now()
	s.credential = models.Credential{AccessToken: token, ExpiresAt: now.Add(expiresIn)}
	s.state = StateValid
	delay := max(expiresIn-s.lead, 0)
	if delay < MinInterval && s.lead > 0 {
		delay = min(MinInterval, expiresIn)
	}
	s.schedule(delay, gen)
	cred := s.credential
	callbacks := append([]func(models.Credential){}, s.onRefresh...)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"expires_in": expiresIn,
		"refresh_in": delay,
	}).Info("Provider token refreshed")
	for _, fn := range callbacks {
		fn(cred)
	}
	return nil
}

// schedule must be called with the lock held
func (s *Scheduler) schedule(delay time.Duration, gen uint64) {
	s.stopTimerLocked()
	s.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.gen++
		next := s.gen
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil {
			ctx = context.Background()
		}
		if ctx.Err() != nil {
			return
		}
		s.fetch(ctx, next)
	})
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
