package model

import "encoding/json"

// MarshalJSON serializes the hash table in its on-disk shape: a flat object
// mapping scope name directly to its component->checksum object, with no
// wrapper field (spec §6, `hash_manifest`).
func (h *HashManifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Scopes)
}

// UnmarshalJSON parses the on-disk shape described above.
func (h *HashManifest) UnmarshalJSON(data []byte) error {
	var scopes map[string]map[Name]string
	if err := json.Unmarshal(data, &scopes); err != nil {
		return err
	}
	if scopes == nil {
		scopes = make(map[string]map[Name]string)
	}
	h.Scopes = scopes
	return nil
}
