package util

import (
	"fmt"
	"strings"
)

// OrphanPrefix marks keys of imported codes that have no catalogue match.
// Orphan keys are stable for the lifetime of a phenotype and must never be
// parsed as numeric catalogue ids.
const OrphanPrefix = "ORPHAN:"

// OrphanKey builds the synthetic key for an unmatched imported code.
func OrphanKey(system, code string) string {
	if strings.TrimSpace(system) == "" {
		system = "Custom"
	}
	return fmt.Sprintf("%s%s:%s", OrphanPrefix, system, code)
}

// IsOrphanKey reports whether a key carries the orphan prefix.
func IsOrphanKey(key string) bool {
	return strings.HasPrefix(key, OrphanPrefix)
}
