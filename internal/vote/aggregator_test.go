package vote

import (
	"fmt"
	"math/rand"
	"testing"

	"toptrack/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id string, seq int64, voters ...string) models.QueueEntry {
	return models.QueueEntry{ID: id, TrackID: "track-" + id, Title: id, Seq: seq, Voters: voters}
}

func ids(queue []models.QueueEntry) []string {
	out := make([]string, len(queue))
	for i, e := range queue {
		out[i] = e.ID
	}
	return out
}

func TestApplyVoteToggle(t *testing.T) {
	queue := []models.QueueEntry{
		entry("A", 1, "u1", "u2"),
		entry("B", 2, "u3", "u4"),
		entry("C", 3, "u5"),
	}

	voted := ApplyVote(queue, "C", "u9")
	assert.Equal(t, 2, voted[2].VoteCount())
	assert.Equal(t, []string{"A", "B", "C"}, ids(voted))

	unvoted := ApplyVote(voted, "C", "u9")
	assert.Equal(t, []string{"A", "B", "C"}, ids(unvoted))
	assert.Equal(t, []string{"u5"}, unvoted[2].Voters)

	// input slices are untouched
	assert.Equal(t, []string{"u5"}, queue[2].Voters)
	assert.Equal(t, 2, voted[2].VoteCount())
}

func TestApplyVoteReorders(t *testing.T) {
	queue := []models.QueueEntry{
		entry("A", 1, "u1"),
		entry("B", 2),
		entry("C", 3),
	}

	queue = ApplyVote(queue, "C", "u1")
	queue = ApplyVote(queue, "C", "u2")
	assert.Equal(t, []string{"C", "A", "B"}, ids(queue))

	// voting on several entries is allowed
	queue = ApplyVote(queue, "B", "u1")
	queue = ApplyVote(queue, "B", "u2")
	queue = ApplyVote(queue, "B", "u3")
	assert.Equal(t, []string{"B", "C", "A"}, ids(queue))

	// dropping back to a tie restores insertion order
	queue = ApplyVote(queue, "B", "u3")
	assert.Equal(t, []string{"B", "C", "A"}, ids(queue))
	queue = ApplyVote(queue, "B", "u2")
	queue = ApplyVote(queue, "C", "u2")
	assert.Equal(t, []string{"A", "B", "C"}, ids(queue))
}

func TestApplyVoteUnknownEntry(t *testing.T) {
	queue := []models.QueueEntry{entry("A", 1), entry("B", 2, "u1")}
	out := ApplyVote(queue, "missing", "u1")
	assert.Equal(t, []string{"B", "A"}, ids(out))
}

func TestSetVoteIdempotent(t *testing.T) {
	queue := []models.QueueEntry{entry("A", 1), entry("B", 2)}

	once := SetVote(queue, "B", "u1", true)
	twice := SetVote(once, "B", "u1", true)
	assert.Equal(t, once, twice)
	assert.Equal(t, []string{"B", "A"}, ids(twice))

	removed := SetVote(twice, "B", "u1", false)
	removedAgain := SetVote(removed, "B", "u1", false)
	assert.Equal(t, removed, removedAgain)
	assert.Equal(t, []string{"A", "B"}, ids(removedAgain))
}

func TestPropertiesHoldForRandomVotes(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		var queue []models.QueueEntry
		for i := 0; i < 6; i++ {
			queue = append(queue, entry(fmt.Sprintf("e%d", i), int64(i)))
		}

		for step := 0; step < 40; step++ {
			e := fmt.Sprintf("e%d", rng.Intn(6))
			v := fmt.Sprintf("u%d", rng.Intn(5))

			before := voterSet(queue, e)
			queue = ApplyVote(queue, e, v)
			require.True(t, Sorted(queue), "ordering invariant violated: %v", ids(queue))

			back := ApplyVote(queue, e, v)
			require.Equal(t, before, voterSet(back, e), "double toggle must restore voter set")
		}
	}
}

func voterSet(queue []models.QueueEntry, id string) map[string]bool {
	set := map[string]bool{}
	for _, e := range queue {
		if e.ID == id {
			for _, v := range e.Voters {
				set[v] = true
			}
		}
	}
	return set
}
