package routing

import (
	"sort"
)

// SortMRS orders contacts most recently seen first, with priority contacts
// ahead of all others, and truncates the result to n entries when n > 0.
// The input slice is not modified.
func SortMRS(contacts []*Contact, n int) []*Contact {
	out := make([]*Contact, len(contacts))
	copy(out, contacts)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// SortByDistance orders contacts closest to target first.
func SortByDistance(contacts []*Contact, target KUID) {
	sort.Slice(contacts, func(i, j int) bool {
		return closer(target, contacts[i].ID, contacts[j].ID)
	})
}
