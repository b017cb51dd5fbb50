package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"toptrack/internal/config"
	"toptrack/internal/database"
	"toptrack/internal/errs"
	"toptrack/internal/session"
	"toptrack/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Scopes is what resolveSession reads and writes
type Scopes interface {
	Room() (database.RoomScope, error)
	SaveRoom(scope database.RoomScope) error
	Participant(instanceID string) (database.ParticipantScope, error)
	SaveParticipant(p database.ParticipantScope) error
}

// configureLogger applies level, format and optional file output. The
// returned file, if any, must be closed by the caller.
func configureLogger(logger *logrus.Logger, cfg config.LoggingConfig) (*os.File, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.File == "" {
		return nil, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}

// resolveSession builds the session context from configuration, falling back
// to the identity stored for this instance, and persists the result so a
// restart rejoins as the same participant.
func resolveSession(cfg *config.Config, store Scopes) (session.Context, error) {
	instanceID := cfg.Participant.InstanceID
	if instanceID == "" {
		instanceID = "default"
	}

	sess := session.Context{
		RoomID:      cfg.Room.RoomID,
		DisplayName: cfg.Participant.DisplayName,
		Role:        models.Role(cfg.Participant.Role),
	}

	stored, err := store.Participant(instanceID)
	switch {
	case err == nil:
		if sess.RoomID == "" {
			sess.RoomID = stored.RoomID
		}
		if sess.DisplayName == "" {
			sess.DisplayName = stored.DisplayName
		}
		// the participant id survives restarts in the same room
		if sess.RoomID == stored.RoomID {
			sess.ParticipantID = stored.ParticipantID
		}
	case errors.Is(err, database.ErrNotFound):
	default:
		return session.Context{}, err
	}

	if sess.RoomID == "" {
		if room, err := store.Room(); err == nil {
			sess.RoomID = room.RoomID
		} else if !errors.Is(err, database.ErrNotFound) {
			return session.Context{}, err
		}
	}
	if sess.ParticipantID == "" {
		sess.ParticipantID = uuid.NewString()
	}

	if err := sess.Validate(); err != nil {
		return session.Context{}, errs.New(errs.KindValidation, "session", err.Error(), err)
	}

	if err := store.SaveParticipant(database.ParticipantScope{
		InstanceID:    instanceID,
		ParticipantID: sess.ParticipantID,
		DisplayName:   sess.DisplayName,
		Role:          sess.Role,
		RoomID:        sess.RoomID,
	}); err != nil {
		return session.Context{}, err
	}
	room := database.RoomScope{RoomID: sess.RoomID}
	if sess.IsHost() {
		room.HostID = sess.ParticipantID
	}
	if err := store.SaveRoom(room); err != nil {
		return session.Context{}, err
	}
	return sess, nil
}
