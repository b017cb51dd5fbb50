package session

import (
	"sort"
	"sync"
	"time"

	"toptrack/pkg/models"
)

// Member is a participant seen on the room channel
type Member struct {
	models.Participant
	LastSeen time.Time `json:"lastSeen"`
}

// Roster tracks the participants of a room from membership events.
// A participant may have several tabs open; each tab is its own id.
type Roster struct {
	members map[string]*Member
	hostID  string
	mutex   sync.RWMutex
	now     func() time.Time
}

// NewRoster creates an empty roster
func NewRoster() *Roster {
	return &Roster{
		members: make(map[string]*Member),
		now:     time.Now,
	}
}

// Join records a participant. Re-joins refresh the entry.
func (r *Roster) Join(p models.Participant) {
	if p.ID == "" {
		return
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := r.now()
	m, exists := r.members[p.ID]
	if !exists {
		if p.JoinedAt.IsZero() {
			p.JoinedAt = models.NewTimestamp(now)
		}
		m = &Member{Participant: p}
		r.members[p.ID] = m
	} else {
		if p.Name != "" {
			m.Name = p.Name
		}
		if p.Role != "" {
			m.Role = p.Role
		}
	}
	m.LastSeen = now

	if m.IsHost() {
		r.hostID = m.ID
	}
}

// Leave removes a participant
func (r *Roster) Leave(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.members, id)
	if r.hostID == id {
		r.findNewHost()
	}
}

// Get returns a participant by id
func (r *Roster) Get(id string) (Member, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	m, ok := r.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Host returns the participant currently holding the host role
func (r *Roster) Host() (Member, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if r.hostID == "" {
		return Member{}, false
	}
	return *r.members[r.hostID], true
}

// Members returns all participants ordered by join time
func (r *Roster) Members() []Member {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		result = append(result, *m)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].JoinedAt.Equal(result[j].JoinedAt.Time) {
			return result[i].ID < result[j].ID
		}
		return result[i].JoinedAt.Before(result[j].JoinedAt.Time)
	})
	return result
}

// Len returns the number of participants
func (r *Roster) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.members)
}

// Clear forgets everyone, used when the room channel is torn down
func (r *Roster) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.members = make(map[string]*Member)
	r.hostID = ""
}

// findNewHost picks another host-role tab (must be called with lock held)
func (r *Roster) findNewHost() {
	r.hostID = ""

	var newest *Member
	for _, m := range r.members {
		if !m.IsHost() {
			continue
		}
		if newest == nil || m.LastSeen.After(newest.LastSeen) {
			newest = m
		}
	}
	if newest != nil {
		r.hostID = newest.ID
	}
}
