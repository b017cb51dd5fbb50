// Package roomtest provides an in-process fake of the room service (REST
// endpoints plus the realtime websocket) for package tests.
package roomtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"toptrack/pkg/models"

	"github.com/gorilla/websocket"
)

// Frame is one message received from a client
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Server fakes the room provisioning service and realtime channel
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       []*websocket.Conn
	frames      chan Frame
	rooms       map[string]models.Room
	queues      map[string][]models.QueueEntry
	tokens      map[string]string
	expiresIn   int
	tokenCalls  int
	queueCalls  int
	connections int
	rejectWS    bool
	trackInfo   map[string]models.QueueEntry
}

// NewServer starts a fake room service
func NewServer() *Server {
	s := &Server{
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		frames:    make(chan Frame, 256),
		rooms:     make(map[string]models.Room),
		queues:    make(map[string][]models.QueueEntry),
		tokens:    make(map[string]string),
		trackInfo: make(map[string]models.QueueEntry),
		expiresIn: 3600,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/rooms/", s.handleRoom)
	mux.HandleFunc("/api/room/", s.handleQueue)
	mux.HandleFunc("/api/spotify/track-info", s.handleTrackInfo)
	mux.HandleFunc("/api/spotify/token/room/", s.handleToken)
	s.Server = httptest.NewServer(mux)
	return s
}

// WSURL returns the websocket endpoint
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// AddRoom registers a room
func (s *Server) AddRoom(room models.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
}

// SetQueue replaces the snapshot returned for a room
func (s *Server) SetQueue(roomID string, entries []models.QueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[roomID] = entries
}

// SetToken sets the credential returned for a room
func (s *Server) SetToken(roomID, token string, expiresIn int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[roomID] = token
	s.expiresIn = expiresIn
}

// SetTrackInfo registers metadata returned for a track id
func (s *Server) SetTrackInfo(trackID string, entry models.QueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackInfo[trackID] = entry
}

// RejectWebsockets makes new websocket upgrades fail
func (s *Server) RejectWebsockets(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectWS = reject
}

// TokenCalls returns how many credential requests were served
func (s *Server) TokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls
}

// QueueCalls returns how many queue snapshots were served
func (s *Server) QueueCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueCalls
}

// Connections returns how many websocket connections were accepted
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Push sends an event to every connected client
func (s *Server) Push(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every open websocket without a close handshake
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// Next waits for the next frame received from any client
func (s *Server) Next(timeout time.Duration) (Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-time.After(timeout):
		return Frame{}, fmt.Errorf("no frame within %s", timeout)
	}
}

// NextEvent skips frames until one with the given event arrives
func (s *Server) NextEvent(event string, timeout time.Duration) (Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Frame{}, fmt.Errorf("no %s frame within %s", event, timeout)
		}
		f, err := s.Next(remaining)
		if err != nil {
			return Frame{}, fmt.Errorf("no %s frame within %s", event, timeout)
		}
		if f.Event == event {
			return f, nil
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.rejectWS
	s.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.connections++
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		s.frames <- f
	}
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	s.mu.Lock()
	room, ok := s.rooms[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Room not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": room})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/room/"), "/queue")
	s.mu.Lock()
	songs := s.queues[id]
	s.queueCalls++
	s.mu.Unlock()
	if songs == nil {
		songs = []models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"songs": songs})
}

func (s *Server) handleTrackInfo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SpotifyURL string `json:"spotify_url"`
		RoomID     string `json:"room_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	parts := strings.Split(req.SpotifyURL, "/track/")
	if len(parts) != 2 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid Spotify URL"})
		return
	}
	trackID := strings.Split(parts[1], "?")[0]

	s.mu.Lock()
	entry, ok := s.trackInfo[trackID]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Track not found"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/spotify/token/room/")
	s.mu.Lock()
	token, ok := s.tokens[id]
	expiresIn := s.expiresIn
	s.tokenCalls++
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "No token found for room host"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access_token": token, "expires_in": expiresIn})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
