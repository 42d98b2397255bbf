package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// pointNamespace is the UUIDv5 namespace for point ids.
var pointNamespace = uuid.NameSpaceURL

// PointID returns the storage id of the chunk at start..end of path in the
// given workspace. It depends on position only, never on content, so
// re-indexing the same range overwrites the same point.
func PointID(workspaceID, path string, start, end int) string {
	name := fmt.Sprintf("%s:%s:%d:%d", workspaceID, path, start, end)
	return uuid.NewSHA1(pointNamespace, []byte(name)).String()
}

// FileHash is the hex sha256 of a file's bytes.
func FileHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChunkHash is the first 16 hex chars of the sha256 of lines joined by "\n".
// Search recomputes it over the on-disk lines to detect staleness.
func ChunkHash(lines []string) string {
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}

// SplitLines splits text into lines without their terminators. A trailing
// newline does not produce an empty last line.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}

// LineRange returns lines start..end (1-based, inclusive), clamped to the
// available lines.
func LineRange(lines []string, start, end int) []string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return nil
	}
	return lines[start-1 : end]
}
