// Package ids generates and validates the prefixed identifiers used for
// events, alerts and feeds.
package ids

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Prefixes for generated identifiers.
const (
	EventPrefix = "evt"
	AlertPrefix = "alr"
	FeedPrefix  = "fd"
)

const maxLen = 128

var validID = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.:\-]*$`)

// New returns a fresh identifier of the form <prefix>_<32 hex chars>.
func New(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether a caller-supplied identifier is acceptable.
func Valid(id string) bool {
	return len(id) > 0 && len(id) <= maxLen && validID.MatchString(id)
}
