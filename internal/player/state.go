// Package player tracks what the host wants playing against what the
// provider reports, and detects when the current track has finished.
package player

import (
	"sync"
	"time"

	"toptrack/internal/endpoint"
	"toptrack/internal/provider"
	"toptrack/pkg/models"
)

// FinishSlack is how close to the end an observed position counts as finished
const FinishSlack = 2 * time.Second

// State is the host's view of playback
type State struct {
	Desired    *models.CurrentTrack `json:"desired,omitempty"`
	TrackID    string               `json:"observedTrackId,omitempty"`
	DeviceID   string               `json:"deviceId,omitempty"`
	IsPlaying  bool                 `json:"isPlaying"`
	ProgressMs int                  `json:"progressMs"`
	DurationMs int                  `json:"durationMs"`
	Verified   bool                 `json:"verified"`
	Strategy   string               `json:"strategy,omitempty"`
	Finished   bool                 `json:"finished"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}

// InSync reports whether the provider is playing the desired track
func (s State) InSync() bool {
	return s.Desired != nil && s.TrackID == s.Desired.TrackID
}

// StateManager owns the playback state and notifies listeners
type StateManager struct {
	state     State
	mutex     sync.RWMutex
	listeners []chan State
	now       func() time.Time

	// playedDesired is set once the desired track was observed playing
	playedDesired bool
}

// NewStateManager creates an empty state manager
func NewStateManager() *StateManager {
	sm := &StateManager{now: time.Now}
	sm.state.UpdatedAt = sm.now()
	return sm
}

// GetState returns a copy of the current state
func (sm *StateManager) GetState() State {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.copyState()
}

// SetDesired records the track the host asked the provider to play
func (sm *StateManager) SetDesired(track models.CurrentTrack) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if sm.state.Desired != nil && sm.state.Desired.TrackID == track.TrackID && sm.state.Desired.EntryID == track.EntryID {
		return
	}
	sm.state.Desired = &track
	sm.state.Verified = false
	sm.state.Finished = false
	sm.state.Strategy = ""
	sm.playedDesired = false
	sm.state.UpdatedAt = sm.now()
	sm.notifyListeners()
}

// MarkVerified records a successful transfer of the desired track
func (sm *StateManager) MarkVerified(trackID, deviceID, strategy string) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if sm.state.Desired == nil || sm.state.Desired.TrackID != trackID {
		return
	}
	sm.state.Verified = true
	sm.state.Strategy = strategy
	sm.state.TrackID = trackID
	sm.state.DeviceID = deviceID
	sm.state.UpdatedAt = sm.now()
	sm.notifyListeners()
}

// Observe applies a provider read-back and returns the resulting state. The
// flag is true exactly once per desired track, when that track is seen to
// have finished.
func (sm *StateManager) Observe(ps provider.PlaybackState) (State, bool) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	prevTrack := sm.state.TrackID
	sm.state.TrackID = ps.TrackID
	sm.state.DeviceID = ps.DeviceID
	sm.state.IsPlaying = ps.Playing
	sm.state.ProgressMs = ps.ProgressMs
	sm.state.DurationMs = ps.DurationMs
	sm.state.UpdatedAt = sm.now()

	finished := sm.detectFinished(prevTrack, ps)
	if finished {
		sm.state.Finished = true
	}
	sm.notifyListeners()
	return sm.copyState(), finished
}

// ObserveEvent applies a notification from the local endpoint
func (sm *StateManager) ObserveEvent(ev endpoint.Event) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	switch ev.Kind {
	case endpoint.EventTrackLoaded:
		if ev.TrackID != "" {
			sm.state.TrackID = ev.TrackID
			sm.state.ProgressMs = 0
		}
	case endpoint.EventPlaying:
		sm.state.IsPlaying = true
		if ev.TrackID != "" {
			sm.state.TrackID = ev.TrackID
		}
	case endpoint.EventPaused:
		sm.state.IsPlaying = false
	case endpoint.EventNotReady:
		sm.state.IsPlaying = false
		sm.state.DeviceID = ""
	default:
		return
	}
	if ev.DeviceID != "" && ev.Kind != endpoint.EventNotReady {
		sm.state.DeviceID = ev.DeviceID
	}
	if sm.state.InSync() && sm.state.IsPlaying {
		sm.playedDesired = true
	}
	sm.state.UpdatedAt = sm.now()
	sm.notifyListeners()
}

// ClearTrack forgets the desired track, e.g. when the queue empties
func (sm *StateManager) ClearTrack() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.state = State{UpdatedAt: sm.now()}
	sm.playedDesired = false
	sm.notifyListeners()
}

// Subscribe adds a listener for state changes
func (sm *StateManager) Subscribe() <-chan State {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	ch := make(chan State, 10)
	sm.listeners = append(sm.listeners, ch)
	return ch
}

// Unsubscribe removes a listener
func (sm *StateManager) Unsubscribe(ch <-chan State) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	for i, listener := range sm.listeners {
		if listener == ch {
			close(listener)
			sm.listeners = append(sm.listeners[:i], sm.listeners[i+1:]...)
			break
		}
	}
}

// detectFinished must be called with lock held
func (sm *StateManager) detectFinished(prevTrack string, ps provider.PlaybackState) bool {
	desired := sm.state.Desired
	if desired == nil || sm.state.Finished {
		return false
	}

	if ps.TrackID == desired.TrackID {
		if ps.Playing {
			sm.playedDesired = true
		}
		duration := ps.DurationMs
		if duration <= 0 {
			duration = desired.DurationMs
		}
		if duration > 0 && sm.playedDesired && ps.ProgressMs+int(FinishSlack/time.Millisecond) >= duration {
			return true
		}
		// the provider rewinds to 0 and pauses at the end of a track
		return sm.playedDesired && !ps.Playing && ps.ProgressMs == 0 && prevTrack == desired.TrackID
	}

	// playback moved on to something else after the desired track ran
	return sm.playedDesired && prevTrack == desired.TrackID && ps.TrackID != ""
}

func (sm *StateManager) copyState() State {
	s := sm.state
	if s.Desired != nil {
		d := *s.Desired
		s.Desired = &d
	}
	return s
}

// notifyListeners must be called with lock held; slow listeners are dropped
func (sm *StateManager) notifyListeners() {
	kept := sm.listeners[:0]
	for _, listener := range sm.listeners {
		select {
		case listener <- sm.copyState():
			kept = append(kept, listener)
		default:
			close(listener)
		}
	}
	sm.listeners = kept
}
