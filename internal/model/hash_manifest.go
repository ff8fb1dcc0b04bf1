package model

import "strings"

// HashManifest is the persisted state: a mapping from scope to a mapping
// from component name to checksum. It is the sole source of truth for "what
// is truly installed" across restarts (invariant 1).
type HashManifest struct {
	Scopes map[string]map[Name]string `json:"-"`
}

// NewHashManifest returns an empty hash table.
func NewHashManifest() *HashManifest {
	return &HashManifest{Scopes: make(map[string]map[Name]string)}
}

// Bucket returns the checksum map for scope, creating it if absent.
func (h *HashManifest) Bucket(scope string) map[Name]string {
	if h.Scopes == nil {
		h.Scopes = make(map[string]map[Name]string)
	}
	b, ok := h.Scopes[scope]
	if !ok {
		b = make(map[Name]string)
		h.Scopes[scope] = b
	}
	return b
}

// Checksum looks up the checksum for name within scope, returning "" if the
// scope or component is absent.
func (h *HashManifest) Checksum(scope string, name Name) string {
	if h.Scopes == nil {
		return ""
	}
	return h.Scopes[scope][name]
}

// SetChecksum records the checksum for name within scope.
func (h *HashManifest) SetChecksum(scope string, name Name, checksum string) {
	h.Bucket(scope)[name] = checksum
}

// RemoveChecksum deletes name's entry from scope, if present.
func (h *HashManifest) RemoveChecksum(scope string, name Name) {
	if h.Scopes == nil {
		return
	}
	if b, ok := h.Scopes[scope]; ok {
		delete(b, name)
	}
}

// PurgeScope empties scope's bucket entirely (used by forced refresh and the
// incomplete-install recovery path).
func (h *HashManifest) PurgeScope(scope string) {
	h.Scopes[scope] = make(map[Name]string)
}

// PurgeAll empties every bucket (full factory reset, testable property 7).
func (h *HashManifest) PurgeAll() {
	h.Scopes = make(map[string]map[Name]string)
}

// MigrateLegacyScope rewrites an unprefixed bucket named identically to
// serverName into its role-prefixed form (forward migration, §3). It is a
// no-op if the legacy bucket does not exist, and it merges into (rather than
// clobbers) any pre-existing prefixed bucket — real checksums always win
// over a stale legacy copy of the same component.
func (h *HashManifest) MigrateLegacyScope(serverName string, prefixedScope string) {
	if h.Scopes == nil {
		return
	}
	legacy, ok := h.Scopes[serverName]
	if !ok {
		return
	}
	target := h.Bucket(prefixedScope)
	for name, checksum := range legacy {
		if _, exists := target[name]; !exists {
			target[name] = checksum
		}
	}
	delete(h.Scopes, serverName)
}

// Equal reports whether two hash manifests contain the same scopes and
// checksums, used by round-trip tests (testable property 2). Bucket-key
// migration is expected to have already happened on both sides before this
// comparison is meaningful.
func (h *HashManifest) Equal(other *HashManifest) bool {
	if h == nil || other == nil {
		return h == other
	}
	if len(h.Scopes) != len(other.Scopes) {
		return false
	}
	for scope, bucket := range h.Scopes {
		ob, ok := other.Scopes[scope]
		if !ok || len(bucket) != len(ob) {
			return false
		}
		for name, checksum := range bucket {
			if ob[name] != checksum {
				return false
			}
		}
	}
	return true
}

// ScopeRole reports whether a "V_"/"O_" prefixed scope belongs to a vehicle
// or operator endpoint, and the bare host name underneath the prefix.
func ScopeRole(scope string) (host string, operator bool, ok bool) {
	switch {
	case strings.HasPrefix(scope, "V_"):
		return strings.TrimPrefix(scope, "V_"), false, true
	case strings.HasPrefix(scope, "O_"):
		return strings.TrimPrefix(scope, "O_"), true, true
	default:
		return "", false, false
	}
}
