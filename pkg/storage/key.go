package storage

import (
	"fmt"
	"strings"
)

// tempPrefix roots all proxied-upload temp chunks.
const tempPrefix = "temp/"

// QualifyKey prefixes key with the tier unless it already carries a tier
// prefix. Keys returned by providers are fully qualified, so callers that
// pass them back get them unchanged rather than "hot/hot/..." keys.
func QualifyKey(key string, tier Tier) string {
	if IsQualified(key) {
		return key
	}
	return string(tier) + "/" + key
}

// IsQualified reports whether key already carries a placement prefix.
// Temp chunk keys are session-scoped and tierless; they count as
// qualified so no tier prefix is ever applied to them.
func IsQualified(key string) bool {
	return strings.HasPrefix(key, string(TierHot)+"/") ||
		strings.HasPrefix(key, string(TierCold)+"/") ||
		strings.HasPrefix(key, tempPrefix)
}

// StripTier removes the tier prefix from a qualified key and reports which
// tier it carried. Unqualified keys come back unchanged with ok=false.
func StripTier(key string) (bare string, tier Tier, ok bool) {
	switch {
	case strings.HasPrefix(key, string(TierHot)+"/"):
		return strings.TrimPrefix(key, string(TierHot)+"/"), TierHot, true
	case strings.HasPrefix(key, string(TierCold)+"/"):
		return strings.TrimPrefix(key, string(TierCold)+"/"), TierCold, true
	}
	return key, "", false
}

// Requalify moves a qualified key onto another tier, or qualifies a bare
// key. The object itself is not touched; this is pure key arithmetic for
// Migrate implementations.
func Requalify(key string, tier Tier) string {
	bare, _, _ := StripTier(key)
	return string(tier) + "/" + bare
}

// ChunkKey derives the temp key of one proxied-upload chunk.
func ChunkKey(sessionID string, index int) string {
	return fmt.Sprintf("%s%s/chunk_%d", tempPrefix, sessionID, index)
}

// ChunkDirKey derives the temp prefix holding all chunks of a session.
func ChunkDirKey(sessionID string) string {
	return tempPrefix + sessionID
}
