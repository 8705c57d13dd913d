package rest

import (
	"net/http"
	"strings"
)

const (
	idPlaceholder    = ":id"
	emojiPlaceholder = ":emoji"
)

// perResourceParents are the path segments whose numeric ids stay literal in
// a bucket key. The platform rate-limits these per resource instead of per
// route shape.
var perResourceParents = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// ResolveBucket maps a method and endpoint path to the rate-limit bucket the
// request belongs to. It never fails: unfamiliar paths are returned as-is.
func ResolveBucket(method, path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimLeft(path, "/")

	original := strings.Split(path, "/")
	segments := make([]string, len(original))
	copy(segments, original)

	// Parents are read from the unmodified path so a placeholder never
	// hides the segment a rule depends on.
	for i := 1; i < len(original); i++ {
		parent := original[i-1]
		switch {
		case parent == "reactions":
			segments[i] = emojiPlaceholder
		case isSnowflake(original[i]) && !perResourceParents[parent]:
			segments[i] = idPlaceholder
		}
	}
	bucket := strings.Join(segments, "/")

	if strings.EqualFold(method, http.MethodDelete) && strings.HasSuffix(bucket, "/messages/"+idPlaceholder) {
		bucket = http.MethodDelete + ":/" + bucket
	}
	return bucket
}

// isSnowflake reports whether s looks like a 17-19 digit platform id.
func isSnowflake(s string) bool {
	if len(s) < 17 || len(s) > 19 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
