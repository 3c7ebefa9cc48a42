// Package idgen generates short, prefix-tagged, collision-resistant IDs
// for entities in the coordination store (e.g. "iss-1b2c3d-9f2a4c7e").
//
// IDs sort roughly by creation time and still carry enough random
// entropy that a collision is a PK violation, never a silent overwrite.
package idgen

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Prefixes used by the engine's entities.
const (
	PrefixProject = "proj"
	PrefixIssue   = "iss"
	PrefixOutcome = "out"
	PrefixAgent   = "agent"
)

// New returns a new id of the form "<prefix>-<time36>-<rand>", where
// time36 is the current time base36-encoded (so lexicographic order
// roughly tracks creation order) and rand is a short random suffix
// derived from a uuid for collision resistance.
func New(prefix string, nowUnix int64) string {
	rand := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return prefix + "-" + strconv.FormatInt(nowUnix, 36) + "-" + rand
}
