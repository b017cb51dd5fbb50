package server

import (
	"net/http"
	"time"

	"toptrack/internal/channel"
)

// HealthStatus represents operational status for the /health endpoint.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Channel   channel.State          `json:"channel"`
	Queue     int                    `json:"queueLength"`
	Members   int                    `json:"participants"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// handleHealthCheck reports liveness plus the realtime connection state.
func (cs *ControlServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	st := cs.engine.Status()
	health := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(cs.startedAt).Round(time.Second).String(),
		Channel:   st.Channel,
		Queue:     len(cs.engine.Queue()),
		Members:   len(cs.engine.Participants()),
		Details:   make(map[string]interface{}),
	}

	switch st.Channel {
	case channel.StateConnected:
	case channel.StateReconnecting, channel.StateConnecting:
		health.Status = "degraded"
	default:
		health.Status = "unhealthy"
	}
	if st.LastError != "" {
		health.Details["last_error"] = st.LastError
		health.Details["recoverable"] = st.Recoverable
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	cs.respondJSON(w, health)
}
