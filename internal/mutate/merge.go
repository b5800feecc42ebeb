package mutate

import "github.com/sergi/go-diff/diffmatchpatch"

// mergeBody performs a three-way text merge: the local edits are
// expressed as a patch from base and replayed onto the remote text.
// The second return reports whether every hunk applied; when false the
// caller should keep the local text rather than silently lose edits.
func mergeBody(base, local, remote string) (string, bool) {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(base, local, true)
	if len(diffs) > 2 {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}

	patches := dmp.PatchMake(base, diffs)
	merged, applied := dmp.PatchApply(patches, remote)

	for _, ok := range applied {
		if !ok {
			return merged, false
		}
	}

	return merged, true
}
