// Package queue keeps the local mirror of a room's queue in sync with the
// room service and reports when the top-ranked entry changes.
package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"toptrack/internal/channel"
	"toptrack/internal/vote"
	"toptrack/pkg/models"

	"github.com/sirupsen/logrus"
)

// Snapshotter reads the authoritative queue of a room
type Snapshotter interface {
	Queue(ctx context.Context, roomID string) ([]models.QueueEntry, error)
}

// Update is published after every applied change
type Update struct {
	Reason     string              `json:"reason"`
	Entries    []models.QueueEntry `json:"entries"`
	Top        *models.QueueEntry  `json:"top,omitempty"`
	TopChanged bool                `json:"topChanged"`
}

// Client is the local queue mirror for one room
type Client struct {
	roomID string
	source Snapshotter
	logger *logrus.Entry

	mu        sync.RWMutex
	entries   []models.QueueEntry
	seq       int64
	topID     string
	listeners []chan Update
}

// NewClient creates an empty mirror for roomID
func NewClient(roomID string, source Snapshotter, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		roomID: roomID,
		source: source,
		logger: logger.WithFields(logrus.Fields{"component": "queue", "room_id": roomID}),
	}
}

// Load fetches the snapshot and merges it into the mirror. Entries in the
// snapshot are authoritative; entries only known locally (applied from events
// that raced the snapshot) are kept.
func (c *Client) Load(ctx context.Context) (Update, error) {
	snapshot, err := c.source.Queue(ctx, c.roomID)
	if err != nil {
		return Update{}, fmt.Errorf("failed to load queue: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	known := make(map[string]models.QueueEntry, len(c.entries))
	for _, e := range c.entries {
		known[e.ID] = e
	}

	merged := make([]models.QueueEntry, 0, len(snapshot)+len(c.entries))
	inSnapshot := make(map[string]bool, len(snapshot))
	for _, e := range c.withFreshSeq(snapshot, known) {
		inSnapshot[e.ID] = true
		merged = append(merged, e)
	}
	for _, e := range c.entries {
		if !inSnapshot[e.ID] {
			merged = append(merged, e.Clone())
		}
	}

	c.logger.WithFields(logrus.Fields{
		"snapshot": len(snapshot),
		"retained": len(merged) - len(snapshot),
	}).Debug("Queue snapshot merged")
	return c.replace(merged, "load"), nil
}

// ApplySongAdded inserts a new entry. Re-delivery of the same entry id or of
// an already queued track is ignored.
func (c *Client) ApplySongAdded(p channel.SongAddedPayload) (Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.ID == p.Song.ID || (p.Song.TrackID != "" && e.TrackID == p.Song.TrackID) {
			c.logger.WithFields(logrus.Fields{
				"song_id":  p.Song.ID,
				"track_id": p.Song.TrackID,
			}).Debug("Ignoring duplicate song_added")
			return c.snapshot("song_added", false), false
		}
	}

	entry := p.Song.Clone()
	entry.Voters = dedupe(entry.Voters)
	c.seq++
	entry.Seq = c.seq
	return c.replace(append(models.CloneEntries(c.entries), entry), "song_added"), true
}

// ApplyVoteUpdated applies a vote change. A full voter list replaces the
// entry's voters; otherwise the vote type sets the direction, and a bare
// event toggles the voter.
func (c *Client) ApplyVoteUpdated(p channel.VoteUpdatedPayload) (Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := slices.IndexFunc(c.entries, func(e models.QueueEntry) bool { return e.ID == p.SongID })
	if idx < 0 {
		c.logger.WithField("song_id", p.SongID).Warn("Vote for unknown song")
		return c.snapshot("vote_updated", false), false
	}

	var next []models.QueueEntry
	switch {
	case p.VotedBy != nil:
		next = models.CloneEntries(c.entries)
		next[idx].Voters = dedupe(p.VotedBy)
	case p.VoteType == channel.VoteTypeUp:
		next = vote.SetVote(c.entries, p.SongID, p.UserID, true)
	case p.VoteType == channel.VoteTypeRemoved:
		next = vote.SetVote(c.entries, p.SongID, p.UserID, false)
	default:
		next = vote.ApplyVote(c.entries, p.SongID, p.UserID)
	}
	return c.replace(next, "vote_updated"), true
}

// ApplyQueueUpdated replaces the mirror with the pushed queue
func (c *Client) ApplyQueueUpdated(p channel.QueueUpdatedPayload) Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	known := make(map[string]models.QueueEntry, len(c.entries))
	for _, e := range c.entries {
		known[e.ID] = e
	}
	return c.replace(c.withFreshSeq(p.Songs, known), "queue_updated")
}

// ApplySongRemoved drops an entry
func (c *Client) ApplySongRemoved(p channel.SongRemovedPayload) (Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := slices.IndexFunc(c.entries, func(e models.QueueEntry) bool { return e.ID == p.SongID })
	if idx < 0 {
		return c.snapshot("song_removed", false), false
	}
	next := models.CloneEntries(c.entries)
	next = slices.Delete(next, idx, idx+1)
	return c.replace(next, "song_removed"), true
}

// Entries returns a sorted copy of the queue
func (c *Client) Entries() []models.QueueEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.CloneEntries(c.entries)
}

// Top returns the highest ranked entry
func (c *Client) Top() (models.QueueEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	top, ok := vote.Top(c.entries)
	if !ok {
		return top, false
	}
	return top.Clone(), true
}

// Contains reports whether trackID is already queued
func (c *Client) Contains(trackID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.ContainsFunc(c.entries, func(e models.QueueEntry) bool { return e.TrackID == trackID })
}

// Len returns the number of queued entries
func (c *Client) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Subscribe adds a listener for queue updates
func (c *Client) Subscribe() <-chan Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Update, 16)
	c.listeners = append(c.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener
func (c *Client) Unsubscribe(ch <-chan Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, listener := range c.listeners {
		if listener == ch {
			close(listener)
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			break
		}
	}
}

// withFreshSeq copies entries, keeping the sequence of already known ones.
// Unseen entries are numbered oldest first by AddedAt; undated ones follow in
// the order given. Must be called with the lock held.
func (c *Client) withFreshSeq(entries []models.QueueEntry, known map[string]models.QueueEntry) []models.QueueEntry {
	out := make([]models.QueueEntry, 0, len(entries))
	var unseen []int
	for _, e := range entries {
		e = e.Clone()
		e.Voters = dedupe(e.Voters)
		if prev, ok := known[e.ID]; ok {
			e.Seq = prev.Seq
		} else {
			unseen = append(unseen, len(out))
		}
		out = append(out, e)
	}

	slices.SortStableFunc(unseen, func(a, b int) int {
		return compareAddedAt(out[a], out[b])
	})
	for _, i := range unseen {
		c.seq++
		out[i].Seq = c.seq
	}
	return out
}

func compareAddedAt(a, b models.QueueEntry) int {
	switch {
	case a.AddedAt.IsZero() && b.AddedAt.IsZero():
		return 0
	case a.AddedAt.IsZero():
		return 1
	case b.AddedAt.IsZero():
		return -1
	}
	return a.AddedAt.Compare(b.AddedAt.Time)
}

// replace installs a new entry set, recomputes ordering and the top entry,
// and notifies listeners. Must be called with the lock held.
func (c *Client) replace(entries []models.QueueEntry, reason string) Update {
	vote.Sort(entries)
	c.entries = entries

	topID := ""
	if top, ok := vote.Top(entries); ok {
		topID = top.ID
	}
	changed := topID != c.topID
	if changed {
		c.logger.WithFields(logrus.Fields{
			"previous": c.topID,
			"top":      topID,
			"reason":   reason,
		}).Info("Top entry changed")
	}
	c.topID = topID

	u := c.snapshot(reason, changed)
	c.notifyListeners(u)
	return u
}

func (c *Client) snapshot(reason string, topChanged bool) Update {
	u := Update{
		Reason:     reason,
		Entries:    models.CloneEntries(c.entries),
		TopChanged: topChanged,
	}
	if len(u.Entries) > 0 {
		top := u.Entries[0].Clone()
		u.Top = &top
	}
	return u
}

// notifyListeners must be called with the lock held. Listeners that cannot
// keep up are dropped.
func (c *Client) notifyListeners(u Update) {
	kept := c.listeners[:0]
	for _, listener := range c.listeners {
		select {
		case listener <- u:
			kept = append(kept, listener)
		default:
			c.logger.Warn("Dropping slow queue listener")
			close(listener)
		}
	}
	c.listeners = kept
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
