package player

import (
	"context"
	"time"

	"toptrack/internal/errs"
	"toptrack/internal/provider"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// StateSource reads the provider's playback state
type StateSource interface {
	State(ctx context.Context) (provider.PlaybackState, error)
}

// Monitor polls the provider and reports finished tracks
type Monitor struct {
	states   *StateManager
	source   StateSource
	interval time.Duration
	clock    clock.Clock
	logger   *logrus.Entry
}

// NewMonitor creates a monitor polling source every interval
func NewMonitor(states *StateManager, source StateSource, interval time.Duration, clk clock.Clock, logger *logrus.Entry) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		states:   states,
		source:   source,
		interval: interval,
		clock:    clk,
		logger:   logger.WithField("component", "player"),
	}
}

// Run polls until ctx is done. onFinished is called once per finished track.
// Auth failures stop the monitor since every later poll would fail too.
func (m *Monitor) Run(ctx context.Context, onFinished func(State)) error {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if m.states.GetState().Desired == nil {
			continue
		}

		ps, err := m.source.State(ctx)
		if err != nil {
			if errs.KindOf(err) == errs.KindProviderAuth {
				m.logger.WithError(err).Warn("Stopping playback monitor")
				return err
			}
			m.logger.WithError(err).Debug("Failed to read playback state")
			continue
		}

		if st, finished := m.states.Observe(ps); finished {
			m.logger.WithField("track_id", st.Desired.TrackID).Info("Track finished")
			if onFinished != nil {
				onFinished(st)
			}
		}
	}
}
