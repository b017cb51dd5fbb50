package server

import (
	"context"
	"net/http"
	"time"
)

const retryTransferTimeout = 45 * time.Second

// handleGetPlayerState returns the desired and observed playback state
func (cs *ControlServer) handleGetPlayerState(w http.ResponseWriter, r *http.Request) {
	cs.respondJSON(w, cs.engine.PlayerState())
}

// handleNextTrack asks the room to advance the queue
func (cs *ControlServer) handleNextTrack(w http.ResponseWriter, r *http.Request) {
	if err := cs.engine.NextTrack(); err != nil {
		cs.respondWithEngineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	cs.respondJSON(w, map[string]bool{"success": true})
}

// handleRetryTransfer re-runs the transfer of the current track
func (cs *ControlServer) handleRetryTransfer(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), retryTransferTimeout)
	defer cancel()

	res, err := cs.engine.RetryTransfer(ctx)
	if err != nil {
		cs.respondWithEngineError(w, r, err)
		return
	}
	cs.respondJSON(w, map[string]interface{}{
		"success": true,
		"result":  res,
	})
}
