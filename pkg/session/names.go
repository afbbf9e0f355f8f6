package session

import "strings"

// RemovedSplitSuffix marks a staged file as a request to remove a split.
const RemovedSplitSuffix = ".removed"

const maxFilenameBytes = 255

// IsValidFilename reports whether name is safe to use as a single file name
// inside a staging area: non-empty, not "." or "..", at most 255 bytes and
// free of path separators and control characters.
func IsValidFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if len(name) > maxFilenameBytes {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= 0x1f || c == 0x7f || c == '/' {
			return false
		}
	}
	return true
}

func isRemovedMarker(name string) bool {
	return strings.HasSuffix(name, RemovedSplitSuffix)
}

func splitFromMarker(name string) string {
	return strings.TrimSuffix(name, RemovedSplitSuffix)
}
