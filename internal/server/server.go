package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"toptrack/internal/auth"
	"toptrack/internal/config"
	"toptrack/internal/database"
	"toptrack/internal/engine"
	"toptrack/internal/player"
	"toptrack/internal/session"
	"toptrack/internal/transfer"
	"toptrack/pkg/models"

	"github.com/sirupsen/logrus"
)

// Engine is the part of the room agent the control API drives
type Engine interface {
	AddSong(ctx context.Context, link string) (models.QueueEntry, error)
	Vote(entryID string) error
	NextTrack() error
	RetryTransfer(ctx context.Context) (transfer.Result, error)
	Queue() []models.QueueEntry
	Participants() []session.Member
	PlayerState() player.State
	Status() engine.Status
}

// History lists recorded plays
type History interface {
	History(roomID string, limit int) ([]database.PlayRecord, error)
}

// ControlServer is the local HTTP control surface of a room agent
type ControlServer struct {
	config      *config.Config
	engine      Engine
	history     History
	authService *auth.Service
	logger      *logrus.Logger
	httpServer  *http.Server
	startedAt   time.Time
}

// NewControlServer creates a control server. history may be nil.
func NewControlServer(cfg *config.Config, eng Engine, history History, authService *auth.Service, logger *logrus.Logger) *ControlServer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ControlServer{
		config:      cfg,
		engine:      eng,
		history:     history,
		authService: authService,
		logger:      logger,
		startedAt:   time.Now(),
	}
}

// Handler returns the routed handler wrapped in middleware
func (cs *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()
	cs.setupRoutes(mux)

	var h http.Handler = mux
	h = cs.authMiddleware(h)
	h = cs.requestLoggingMiddleware(h)
	h = cs.panicRecoveryMiddleware(h)
	return h
}

func (cs *ControlServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", cs.handleHealthCheck)

	mux.HandleFunc("POST /api/auth/login", cs.handleAuthLogin)
	mux.HandleFunc("POST /api/auth/logout", cs.handleAuthLogout)

	mux.HandleFunc("GET /api/status", cs.handleGetStatus)
	mux.HandleFunc("GET /api/queue", cs.handleGetQueue)
	mux.HandleFunc("GET /api/participants", cs.handleGetParticipants)
	mux.HandleFunc("GET /api/history", cs.handleGetHistory)
	mux.HandleFunc("POST /api/songs", cs.handleAddSong)
	mux.HandleFunc("POST /api/votes/{entryID}", cs.handleVote)

	mux.HandleFunc("GET /api/player/state", cs.handleGetPlayerState)
	mux.HandleFunc("POST /api/player/next", cs.handleNextTrack)
	mux.HandleFunc("POST /api/player/transfer", cs.handleRetryTransfer)
}

// Listen binds the control address. The returned listener is passed to Serve.
func (cs *ControlServer) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", cs.config.GetAddress())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cs.config.GetAddress(), err)
	}
	return ln, nil
}

// Serve runs the control API on ln until ctx is done
func (cs *ControlServer) Serve(ctx context.Context, ln net.Listener) error {
	cs.httpServer = &http.Server{
		Handler:     cs.Handler(),
		ReadTimeout: config.Seconds(cs.config.Control.ReadTimeoutSeconds),
	}

	cs.logger.WithField("address", ln.Addr().String()).Info("Control API listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- cs.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control API failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cs.logger.Info("Shutting down control API...")
	if err := cs.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control API shutdown: %w", err)
	}
	return nil
}
