package ledger

import "sort"

// =============================================================================
// SOURCE SET - Usage records already incorporated into a checkpoint
// =============================================================================

// SourceSet is the set of usage records a doctor's checkpoints have
// incorporated. Membership, not recomputation, decides eligibility.
type SourceSet map[SourceID]CheckpointID

// IncorporatedSources builds the set from a doctor's checkpoint chain.
func IncorporatedSources(checkpoints []Checkpoint) SourceSet {
	set := make(SourceSet)
	for _, cp := range checkpoints {
		for _, s := range cp.SourceIDs {
			set[s] = cp.ID
		}
	}
	return set
}

// Contains reports whether id has been incorporated.
func (s SourceSet) Contains(id SourceID) bool {
	_, ok := s[id]
	return ok
}

// =============================================================================
// ELIGIBILITY FILTER
// =============================================================================

// FilterEmittable returns the records not yet incorporated into any
// checkpoint, in SourceID order. A record repeated in the input is returned
// once.
//
// An empty result means there is nothing to bill: the caller must not
// create a checkpoint or an invoice.
func FilterEmittable(records []UsageRecord, incorporated SourceSet) []UsageRecord {
	seen := make(map[SourceID]bool, len(records))
	out := make([]UsageRecord, 0, len(records))
	for _, r := range records {
		if incorporated.Contains(r.SourceID) || seen[r.SourceID] {
			continue
		}
		seen[r.SourceID] = true
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}
