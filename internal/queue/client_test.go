package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"toptrack/internal/channel"
	"toptrack/internal/vote"
	"toptrack/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	songs []models.QueueEntry
	err   error
	calls int
}

func (f *fakeSource) Queue(ctx context.Context, roomID string) ([]models.QueueEntry, error) {
	f.calls++
	return models.CloneEntries(f.songs), f.err
}

func entry(id, trackID string, voters ...string) models.QueueEntry {
	if voters == nil {
		voters = []string{}
	}
	return models.QueueEntry{ID: id, TrackID: trackID, Title: "song " + id, Voters: voters}
}

func ids(entries []models.QueueEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func added(e models.QueueEntry) channel.SongAddedPayload {
	return channel.SongAddedPayload{Song: e}
}

func TestSongAddedDedupe(t *testing.T) {
	tests := []struct {
		name  string
		first models.QueueEntry
		again models.QueueEntry
	}{
		{name: "same entry id", first: entry("a", "t1"), again: entry("a", "t1")},
		{name: "same track id", first: entry("a", "t1"), again: entry("b", "t1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient("room-1", &fakeSource{}, nil)
			_, ok := c.ApplySongAdded(added(tt.first))
			require.True(t, ok)

			u, ok := c.ApplySongAdded(added(tt.again))
			assert.False(t, ok)
			assert.False(t, u.TopChanged)
			assert.Equal(t, 1, c.Len())
		})
	}
}

func TestVoteScenarioReordersQueue(t *testing.T) {
	c := NewClient("room-1", &fakeSource{}, nil)
	for _, e := range []models.QueueEntry{entry("A", "ta"), entry("B", "tb"), entry("C", "tc")} {
		c.ApplySongAdded(added(e))
	}
	top, _ := c.Top()
	require.Equal(t, "A", top.ID)

	u, ok := c.ApplyVoteUpdated(channel.VoteUpdatedPayload{SongID: "C", UserID: "u1", VoteType: channel.VoteTypeUp})
	require.True(t, ok)
	assert.Equal(t, []string{"C", "A", "B"}, ids(u.Entries))
	assert.True(t, u.TopChanged)
	require.NotNil(t, u.Top)
	assert.Equal(t, "C", u.Top.ID)

	u, _ = c.ApplyVoteUpdated(channel.VoteUpdatedPayload{SongID: "C", UserID: "u1", VoteType: channel.VoteTypeRemoved})
	assert.Equal(t, []string{"A", "B", "C"}, ids(u.Entries))
	assert.True(t, u.TopChanged)
}

func TestVoteUpdatedDirections(t *testing.T) {
	tests := []struct {
		name    string
		payload channel.VoteUpdatedPayload
		want    []string
	}{
		{
			name:    "up is idempotent",
			payload: channel.VoteUpdatedPayload{SongID: "A", UserID: "u1", VoteType: channel.VoteTypeUp},
			want:    []string{"u1"},
		},
		{
			name:    "removed drops voter",
			payload: channel.VoteUpdatedPayload{SongID: "A", UserID: "u1", VoteType: channel.VoteTypeRemoved},
			want:    []string{},
		},
		{
			name:    "bare event toggles",
			payload: channel.VoteUpdatedPayload{SongID: "A", UserID: "u2"},
			want:    []string{"u1", "u2"},
		},
		{
			name:    "voter list replaces set",
			payload: channel.VoteUpdatedPayload{SongID: "A", UserID: "u3", VoteType: channel.VoteTypeUp, VotedBy: []string{"u3", "u4", "u3"}},
			want:    []string{"u3", "u4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient("room-1", &fakeSource{}, nil)
			c.ApplySongAdded(added(entry("A", "ta", "u1")))

			_, ok := c.ApplyVoteUpdated(tt.payload)
			require.True(t, ok)
			top, _ := c.Top()
			assert.Equal(t, tt.want, top.Voters)
		})
	}
}

func TestVoteForUnknownSong(t *testing.T) {
	c := NewClient("room-1", &fakeSource{}, nil)
	c.ApplySongAdded(added(entry("A", "ta")))

	_, ok := c.ApplyVoteUpdated(channel.VoteUpdatedPayload{SongID: "zzz", UserID: "u1", VoteType: channel.VoteTypeUp})
	assert.False(t, ok)
}

func TestLoadRetainsLocallyAppliedEntries(t *testing.T) {
	source := &fakeSource{songs: []models.QueueEntry{entry("A", "ta", "u1"), entry("B", "tb")}}
	c := NewClient("room-1", source, nil)

	// an event that raced the snapshot
	c.ApplySongAdded(added(entry("C", "tc")))

	u, err := c.Load(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, ids(u.Entries))
	assert.Equal(t, "A", u.Top.ID)
	assert.True(t, vote.Sorted(u.Entries))

	// a refresh after reconnect keeps order stable for equal counts
	source.songs = []models.QueueEntry{entry("A", "ta", "u1"), entry("B", "tb", "u2")}
	u, err = c.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, ids(u.Entries))
	assert.False(t, u.TopChanged)
}

func TestLoadFailureKeepsState(t *testing.T) {
	source := &fakeSource{err: errors.New("boom")}
	c := NewClient("room-1", source, nil)
	c.ApplySongAdded(added(entry("A", "ta")))

	_, err := c.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestSnapshotTiesFollowAddedAt(t *testing.T) {
	base := time.Date(2025, 3, 14, 18, 0, 0, 0, time.UTC)
	dated := func(id string, at time.Time, voters ...string) models.QueueEntry {
		e := entry(id, "t"+id, voters...)
		e.AddedAt = models.NewTimestamp(at)
		return e
	}

	tests := []struct {
		name  string
		songs []models.QueueEntry
		want  []string
	}{
		{
			name:  "newest first snapshot",
			songs: []models.QueueEntry{dated("B", base.Add(time.Minute)), dated("A", base)},
			want:  []string{"A", "B"},
		},
		{
			name: "votes still win",
			songs: []models.QueueEntry{
				dated("B", base.Add(time.Minute), "u1"),
				dated("A", base),
			},
			want: []string{"B", "A"},
		},
		{
			name:  "undated keep payload order after dated",
			songs: []models.QueueEntry{entry("Y", "ty"), entry("X", "tx"), dated("A", base)},
			want:  []string{"A", "Y", "X"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient("room-1", &fakeSource{songs: tt.songs}, nil)
			u, err := c.Load(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(u.Entries))
			assert.Equal(t, tt.want[0], u.Top.ID)

			u = c.ApplyQueueUpdated(channel.QueueUpdatedPayload{Songs: tt.songs})
			assert.Equal(t, tt.want, ids(u.Entries))
		})
	}
}

func TestQueueUpdatedReplacesMirror(t *testing.T) {
	c := NewClient("room-1", &fakeSource{}, nil)
	c.ApplySongAdded(added(entry("A", "ta")))
	c.ApplySongAdded(added(entry("B", "tb")))

	u := c.ApplyQueueUpdated(channel.QueueUpdatedPayload{Songs: []models.QueueEntry{
		entry("B", "tb"),
		entry("D", "td", "u1"),
	}})
	assert.Equal(t, []string{"D", "B"}, ids(u.Entries))
	assert.True(t, u.TopChanged)
	assert.False(t, c.Contains("ta"))
	assert.True(t, c.Contains("td"))
}

func TestSongRemoved(t *testing.T) {
	c := NewClient("room-1", &fakeSource{}, nil)
	c.ApplySongAdded(added(entry("A", "ta")))
	c.ApplySongAdded(added(entry("B", "tb")))

	u, ok := c.ApplySongRemoved(channel.SongRemovedPayload{SongID: "A"})
	require.True(t, ok)
	assert.Equal(t, []string{"B"}, ids(u.Entries))
	assert.True(t, u.TopChanged)

	_, ok = c.ApplySongRemoved(channel.SongRemovedPayload{SongID: "A"})
	assert.False(t, ok)

	u, _ = c.ApplySongRemoved(channel.SongRemovedPayload{SongID: "B"})
	assert.Nil(t, u.Top)
	assert.True(t, u.TopChanged)
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	c := NewClient("room-1", &fakeSource{}, nil)
	updates := c.Subscribe()

	c.ApplySongAdded(added(entry("A", "ta")))
	u := <-updates
	assert.Equal(t, "song_added", u.Reason)
	assert.True(t, u.TopChanged)

	c.ApplySongAdded(added(entry("B", "tb")))
	u = <-updates
	assert.False(t, u.TopChanged)

	c.Unsubscribe(updates)
	_, open := <-updates
	assert.False(t, open)
}

func TestEntriesReturnsCopy(t *testing.T) {
	c := NewClient("room-1", &fakeSource{}, nil)
	c.ApplySongAdded(added(entry("A", "ta", "u1")))

	got := c.Entries()
	got[0].Voters[0] = "mutated"

	top, _ := c.Top()
	assert.Equal(t, []string{"u1"}, top.Voters)
}
