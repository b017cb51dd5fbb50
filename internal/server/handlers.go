package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const addSongTimeout = 15 * time.Second

func (cs *ControlServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	cs.respondJSON(w, cs.engine.Status())
}

// handleGetQueue returns the ranked queue
func (cs *ControlServer) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	entries := cs.engine.Queue()
	cs.respondJSON(w, map[string]interface{}{
		"songs": entries,
		"count": len(entries),
	})
}

func (cs *ControlServer) handleGetParticipants(w http.ResponseWriter, r *http.Request) {
	members := cs.engine.Participants()
	cs.respondJSON(w, map[string]interface{}{
		"participants": members,
		"count":        len(members),
	})
}

// handleGetHistory lists recent plays in this room, newest first
func (cs *ControlServer) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if cs.history == nil {
		cs.respondWithError(w, r, http.StatusNotFound, "Play history is not available", nil)
		return
	}
	limit, verr := parseLimit(r.URL.Query().Get("limit"), 20, 200)
	if verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	plays, err := cs.history.History(cs.engine.Status().RoomID, limit)
	if err != nil {
		cs.respondWithError(w, r, http.StatusInternalServerError, "Failed to load history", err)
		return
	}
	cs.respondJSON(w, map[string]interface{}{
		"plays": plays,
		"count": len(plays),
	})
}

// handleAddSong submits a Spotify link to the room
func (cs *ControlServer) handleAddSong(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cs.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	req.URL = sanitizeInput(req.URL)
	if verr := validateSongLink(req.URL); verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), addSongTimeout)
	defer cancel()

	entry, err := cs.engine.AddSong(ctx, req.URL)
	if err != nil {
		cs.respondWithEngineError(w, r, err)
		return
	}

	cs.logger.WithFields(logrus.Fields{
		"track_id": entry.TrackID,
		"title":    entry.Title,
	}).Info("Song submitted")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	cs.respondJSON(w, map[string]interface{}{
		"success": true,
		"song":    entry,
	})
}

// handleVote votes for a queue entry
func (cs *ControlServer) handleVote(w http.ResponseWriter, r *http.Request) {
	entryID := sanitizeInput(r.PathValue("entryID"))
	if verr := validateEntryID(entryID); verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	if err := cs.engine.Vote(entryID); err != nil {
		cs.respondWithEngineError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	cs.respondJSON(w, map[string]interface{}{
		"success": true,
		"entryId": entryID,
	})
}
