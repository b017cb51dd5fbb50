package session

import (
	"testing"
	"time"

	"toptrack/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextValidate(t *testing.T) {
	tests := []struct {
		name    string
		ctx     Context
		wantErr string
	}{
		{name: "missing room", ctx: Context{DisplayName: "Ana"}, wantErr: "room id is required"},
		{name: "missing name", ctx: Context{RoomID: "room-1", DisplayName: "  "}, wantErr: "display name is required"},
		{name: "bad role", ctx: Context{RoomID: "room-1", DisplayName: "Ana", Role: "dj"}, wantErr: "invalid role"},
		{name: "valid", ctx: Context{RoomID: " room-1 ", DisplayName: "Ana", Role: models.RoleHost, ParticipantID: "p1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ctx.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "room-1", tt.ctx.RoomID)
			assert.Equal(t, "p1", tt.ctx.ParticipantID)
			assert.True(t, tt.ctx.IsHost())
		})
	}
}

func TestContextDefaults(t *testing.T) {
	a := Context{RoomID: "room-1", DisplayName: "Ana"}
	b := Context{RoomID: "room-1", DisplayName: "Ana"}
	require.NoError(t, a.Validate())
	require.NoError(t, b.Validate())

	assert.Equal(t, models.RoleMember, a.Role)
	_, err := uuid.Parse(a.ParticipantID)
	assert.NoError(t, err)
	assert.NotEqual(t, a.ParticipantID, b.ParticipantID, "each instance gets its own id")

	p := a.Participant()
	assert.Equal(t, a.ParticipantID, p.ID)
	assert.Equal(t, "Ana", p.Name)
	assert.False(t, p.IsHost())
}

func TestRosterJoinLeave(t *testing.T) {
	r := NewRoster()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Join(models.Participant{ID: "h1", Name: "Host", Role: models.RoleHost})
	now = now.Add(time.Second)
	r.Join(models.Participant{ID: "m1", Name: "Member", Role: models.RoleMember})
	r.Join(models.Participant{})

	assert.Equal(t, 2, r.Len())
	host, ok := r.Host()
	require.True(t, ok)
	assert.Equal(t, "h1", host.ID)

	members := r.Members()
	require.Len(t, members, 2)
	assert.Equal(t, "h1", members[0].ID)
	assert.Equal(t, "m1", members[1].ID)

	r.Join(models.Participant{ID: "m1", Name: "Renamed"})
	m, ok := r.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "Renamed", m.Name)
	assert.Equal(t, models.RoleMember, m.Role)

	r.Leave("h1")
	_, ok = r.Host()
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRosterHostFailover(t *testing.T) {
	r := NewRoster()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Join(models.Participant{ID: "tab-a", Role: models.RoleHost})
	now = now.Add(time.Second)
	r.Join(models.Participant{ID: "tab-b", Role: models.RoleHost})

	host, _ := r.Host()
	assert.Equal(t, "tab-b", host.ID)

	r.Leave("tab-b")
	host, ok := r.Host()
	require.True(t, ok)
	assert.Equal(t, "tab-a", host.ID)

	r.Clear()
	assert.Equal(t, 0, r.Len())
}
