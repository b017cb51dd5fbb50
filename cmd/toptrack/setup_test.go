package main

import (
	"path/filepath"
	"testing"

	"toptrack/internal/config"
	"toptrack/internal/database"
	"toptrack/internal/errs"
	"toptrack/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *database.Database {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "toptrack.db"), logrus.NewEntry(logger))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestResolveSessionPersistsIdentity(t *testing.T) {
	db := openStore(t)
	cfg := config.DefaultConfig()
	cfg.Room.RoomID = "room-1"
	cfg.Participant.DisplayName = "Ana"
	cfg.Participant.Role = "host"

	first, err := resolveSession(cfg, db)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ParticipantID)
	assert.True(t, first.IsHost())

	room, err := db.Room()
	require.NoError(t, err)
	assert.Equal(t, "room-1", room.RoomID)
	assert.Equal(t, first.ParticipantID, room.HostID)

	// a restart with only the instance defaults rejoins as the same participant
	cfg.Room.RoomID = ""
	cfg.Participant.DisplayName = ""
	again, err := resolveSession(cfg, db)
	require.NoError(t, err)
	assert.Equal(t, first.ParticipantID, again.ParticipantID)
	assert.Equal(t, "room-1", again.RoomID)
	assert.Equal(t, "Ana", again.DisplayName)
}

func TestResolveSessionNewRoomNewIdentity(t *testing.T) {
	db := openStore(t)
	cfg := config.DefaultConfig()
	cfg.Room.RoomID = "room-1"
	cfg.Participant.DisplayName = "Ben"

	first, err := resolveSession(cfg, db)
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, first.Role)

	cfg.Room.RoomID = "room-2"
	second, err := resolveSession(cfg, db)
	require.NoError(t, err)
	assert.NotEqual(t, first.ParticipantID, second.ParticipantID)
}

func TestResolveSessionRequiresRoom(t *testing.T) {
	db := openStore(t)
	cfg := config.DefaultConfig()
	cfg.Participant.DisplayName = "Ben"

	_, err := resolveSession(cfg, db)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestConfigureLogger(t *testing.T) {
	logger := logrus.New()
	f, err := configureLogger(logger, config.LoggingConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	path := filepath.Join(t.TempDir(), "agent.log")
	f, err = configureLogger(logger, config.LoggingConfig{Level: "warn", Format: "text", File: path})
	require.NoError(t, err)
	require.NotNil(t, f)
	defer f.Close()
	assert.FileExists(t, path)

	_, err = configureLogger(logger, config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}
