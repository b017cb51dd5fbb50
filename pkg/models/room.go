package models

import "time"

// Role is the part a participant plays in a room
type Role string

const (
	RoleHost   Role = "host"
	RoleMember Role = "member"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleMember
}

// Room represents a listening room created by the provisioning service
type Room struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	HostID        string    `json:"host_id"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     Timestamp `json:"created_at"`
	CurrentSongID string    `json:"current_song_id,omitempty"`
}

// Participant represents one connected client (one per tab/session)
type Participant struct {
	ID       string    `json:"user_id"`
	Name     string    `json:"username"`
	Role     Role      `json:"role"`
	JoinedAt Timestamp `json:"joined_at,omitempty"`
}

// IsHost reports whether the participant controls playback
func (p Participant) IsHost() bool {
	return p.Role == RoleHost
}

// Credential is a provider access token with its absolute expiry
type Credential struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the credential is past its expiry at now
func (c Credential) Expired(now time.Time) bool {
	return c.AccessToken == "" || !now.Before(c.ExpiresAt)
}

// DeviceSession describes the host's registered playback device
type DeviceSession struct {
	DeviceID     string    `json:"deviceId"`
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Active       bool      `json:"active"`
	Degraded     bool      `json:"degraded"`
	LastVerified time.Time `json:"lastVerified,omitempty"`
}
