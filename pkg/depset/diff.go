package depset

// Delta is the difference between two flattened DepSets.
type Delta struct {
	// Added holds entries present only in the new set, in its order.
	Added []FileEntry

	// Removed holds entries present only in the old set, in its order.
	Removed []FileEntry

	// Changed holds the new value of entries whose path exists on both
	// sides with different content.
	Changed []FileEntry
}

// Empty reports whether the delta has no operations.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Size returns the total number of operations.
func (d Delta) Size() int {
	return len(d.Added) + len(d.Removed) + len(d.Changed)
}

// Diff compares a (old) with b (new) by path, then by content.
func Diff(a, b *DepSet) Delta {
	if a.Hash() == b.Hash() {
		return Delta{}
	}
	return DiffEntries(a.Flatten(), b.Flatten())
}

// DiffEntries is Diff over already flattened listings. An entry of
// newEntries nested under a later file or symlink entry is left out, as
// Flatten would.
func DiffEntries(oldEntries, newEntries []FileEntry) Delta {
	newEntries = dropShadowed(newEntries, nil)
	var delta Delta
	old := make(map[string]FileEntry, len(oldEntries))
	for _, e := range oldEntries {
		old[e.Path] = e
	}
	present := make(map[string]bool, len(newEntries))
	for _, e := range newEntries {
		present[e.Path] = true
		prev, ok := old[e.Path]
		switch {
		case !ok:
			delta.Added = append(delta.Added, e)
		case !prev.SameContent(e):
			delta.Changed = append(delta.Changed, e)
		}
	}
	for _, e := range oldEntries {
		if !present[e.Path] {
			delta.Removed = append(delta.Removed, e)
		}
	}
	return delta
}
