// Package session holds the explicit session context of one agent instance
// and the roster of participants currently in its room.
package session

import (
	"fmt"
	"strings"

	"toptrack/pkg/models"

	"github.com/google/uuid"
)

// Context identifies who this agent instance is and which room it serves.
// It is built once at startup and passed to the engine.
type Context struct {
	ParticipantID string
	DisplayName   string
	Role          models.Role
	RoomID        string
}

// NewParticipantID generates a participant id unique to this instance
func NewParticipantID() string {
	return uuid.NewString()
}

// Validate normalizes the context and fills a fresh participant id when
// none was supplied
func (c *Context) Validate() error {
	c.RoomID = strings.TrimSpace(c.RoomID)
	c.DisplayName = strings.TrimSpace(c.DisplayName)
	c.ParticipantID = strings.TrimSpace(c.ParticipantID)

	if c.RoomID == "" {
		return fmt.Errorf("room id is required")
	}
	if c.DisplayName == "" {
		return fmt.Errorf("display name is required")
	}
	if c.Role == "" {
		c.Role = models.RoleMember
	}
	if !c.Role.Valid() {
		return fmt.Errorf("invalid role %q", c.Role)
	}
	if c.ParticipantID == "" {
		c.ParticipantID = NewParticipantID()
	}
	return nil
}

// IsHost reports whether this instance controls playback
func (c Context) IsHost() bool {
	return c.Role == models.RoleHost
}

// Participant returns the context as the participant announced on the channel
func (c Context) Participant() models.Participant {
	return models.Participant{
		ID:   c.ParticipantID,
		Name: c.DisplayName,
		Role: c.Role,
	}
}
