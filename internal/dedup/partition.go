package dedup

import "github.com/JakeFAU/ani-regulations/internal/regulation"

// Split is an incoming batch partitioned against the persisted identity keys.
// Persisted and IntraBatch count records; New keeps first occurrences in input
// order.
type Split struct {
	New        []regulation.Record
	Persisted  int
	IntraBatch int
}

// Duplicates is the number of incoming records that will not be inserted.
func (s Split) Duplicates() int {
	return s.Persisted + s.IntraBatch
}

// Partition separates incoming into records already persisted, repeats within
// the batch and genuinely new records. Both sides go through
// regulation.NewIdentityKey so persisted and incoming keys normalize alike.
func Partition(existing []regulation.IdentityKey, incoming []regulation.Record) Split {
	persisted := make(map[regulation.IdentityKey]struct{}, len(existing))
	for _, k := range existing {
		persisted[regulation.NewIdentityKey(k.Title, k.CreatedAt, k.ExternalLink)] = struct{}{}
	}

	var split Split
	seen := make(map[regulation.IdentityKey]struct{}, len(incoming))
	split.New = make([]regulation.Record, 0, len(incoming))
	for _, rec := range incoming {
		key := rec.Key()
		if _, ok := persisted[key]; ok {
			split.Persisted++
			continue
		}
		if _, ok := seen[key]; ok {
			split.IntraBatch++
			continue
		}
		seen[key] = struct{}{}
		split.New = append(split.New, rec)
	}
	return split
}
