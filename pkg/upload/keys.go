package upload

import (
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/cubbyhost/cubby/pkg/storage"
)

// SanitizeFilename strips path separators, control characters and leading
// dots from a client-supplied filename. An empty result falls back to
// "file" so the storage key always has a final segment.
func SanitizeFilename(name string) string {
	// Keep only the last path segment, whichever separator the client used.
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, r := range name {
		if unicode.IsControl(r) || r == '\x00' {
			continue
		}
		b.WriteRune(r)
	}
	name = strings.TrimLeft(b.String(), ".")
	name = strings.TrimSpace(name)

	if name == "" {
		return "file"
	}
	return name
}

// newStorageKey allocates the final object key for a new upload:
// {userID}/{uuid}/{sanitizedFilename}, qualified onto the hot tier. New
// uploads always land hot; the tier worker moves them later.
func newStorageKey(userID, filename string) string {
	bare := userID + "/" + uuid.NewString() + "/" + SanitizeFilename(filename)
	return storage.QualifyKey(bare, storage.TierHot)
}
