// Package vote implements the pure queue ordering transform: toggling a
// voter on an entry and re-sorting the queue by descending vote count.
package vote

import (
	"cmp"
	"slices"

	"toptrack/pkg/models"
)

// ApplyVote toggles voterID on entryID. A voter already present is removed
// (unvote), otherwise added. The returned queue is a sorted copy; the input
// is never modified. Unknown entries leave the queue unchanged apart from sorting.
func ApplyVote(queue []models.QueueEntry, entryID, voterID string) []models.QueueEntry {
	out := models.CloneEntries(queue)
	for i := range out {
		if out[i].ID != entryID {
			continue
		}
		if idx := slices.Index(out[i].Voters, voterID); idx >= 0 {
			out[i].Voters = slices.Delete(out[i].Voters, idx, idx+1)
		} else {
			out[i].Voters = append(out[i].Voters, voterID)
		}
		break
	}
	Sort(out)
	return out
}

// SetVote puts voterID in (present=true) or out of entryID's voter set.
// Unlike ApplyVote it is idempotent, which makes it safe for re-delivered
// server events that state the vote direction.
func SetVote(queue []models.QueueEntry, entryID, voterID string, present bool) []models.QueueEntry {
	out := models.CloneEntries(queue)
	for i := range out {
		if out[i].ID != entryID {
			continue
		}
		idx := slices.Index(out[i].Voters, voterID)
		switch {
		case present && idx < 0:
			out[i].Voters = append(out[i].Voters, voterID)
		case !present && idx >= 0:
			out[i].Voters = slices.Delete(out[i].Voters, idx, idx+1)
		}
		break
	}
	Sort(out)
	return out
}

// Sort orders the queue in place by descending vote count. Ties keep
// insertion order: lower Seq first, and entries without a distinguishing
// Seq keep their current relative position.
func Sort(queue []models.QueueEntry) {
	slices.SortStableFunc(queue, func(a, b models.QueueEntry) int {
		if c := cmp.Compare(b.VoteCount(), a.VoteCount()); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}

// Sorted reports whether the queue satisfies the ordering invariant
func Sorted(queue []models.QueueEntry) bool {
	for i := 1; i < len(queue); i++ {
		if queue[i-1].VoteCount() < queue[i].VoteCount() {
			return false
		}
		if queue[i-1].VoteCount() == queue[i].VoteCount() && queue[i-1].Seq > queue[i].Seq {
			return false
		}
	}
	return true
}

// Top returns the highest ranked entry of an already sorted queue
func Top(queue []models.QueueEntry) (models.QueueEntry, bool) {
	if len(queue) == 0 {
		return models.QueueEntry{}, false
	}
	return queue[0], true
}
