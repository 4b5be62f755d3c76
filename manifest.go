package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"
)

// manifestFormat is the manifest schema version this package reads and writes.
// Documents with a different format are rejected rather than misinterpreted.
const manifestFormat = 1

// ManifestEntry records one committed checkpoint version. This struct is
// designed to be fully JSON serializable.
type ManifestEntry struct {
	Version   string    `json:"version"`
	Key       string    `json:"key"`
	Checksum  string    `json:"checksum"`
	Codec     string    `json:"codec"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Manifest is the authoritative index of committed versions for a single
// checkpoint ID. Entries are kept in commit order. The document is only ever
// replaced as a whole through the backend's conditional write; it is never
// edited in place, so a reader always observes a complete, consistent index.
type Manifest struct {
	Format    int             `json:"format"`
	ID        string          `json:"id"`
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updated_at,omitzero"`
	Entries   []ManifestEntry `json:"entries"`
}

// NewManifest creates an empty manifest for the given checkpoint ID.
func NewManifest(id string) *Manifest {
	return &Manifest{
		Format:  manifestFormat,
		ID:      id,
		Entries: []ManifestEntry{},
	}
}

// DecodeManifest parses a stored manifest document.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	if m.Format != manifestFormat {
		return nil, fmt.Errorf("unsupported manifest format %d (expected %d)", m.Format, manifestFormat)
	}
	if m.Entries == nil {
		m.Entries = []ManifestEntry{}
	}
	return &m, nil
}

// Encode serializes the manifest for storage.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}

// Lookup returns the entry for an exact version token.
func (m *Manifest) Lookup(version string) (ManifestEntry, bool) {
	for _, entry := range m.Entries {
		if entry.Version == version {
			return entry, true
		}
	}
	return ManifestEntry{}, false
}

// Versions returns the version tokens in commit order.
func (m *Manifest) Versions() []string {
	versions := make([]string, 0, len(m.Entries))
	for _, entry := range m.Entries {
		versions = append(versions, entry.Version)
	}
	return versions
}

// Append adds a new entry and bumps the revision and update time. If an entry
// with the same version already exists it is repointed in place instead,
// which is how overwrites keep the index at one entry per version.
func (m *Manifest) Append(entry ManifestEntry) {
	for i := range m.Entries {
		if m.Entries[i].Version == entry.Version {
			m.Entries[i] = entry
			m.touch()
			return
		}
	}
	m.Entries = append(m.Entries, entry)
	m.touch()
}

// Remove deletes the entry for a version token. It reports whether an entry
// was actually removed; removing bumps the revision.
func (m *Manifest) Remove(version string) bool {
	for i := range m.Entries {
		if m.Entries[i].Version == version {
			m.Entries = append(m.Entries[:i], m.Entries[i+1:]...)
			m.touch()
			return true
		}
	}
	return false
}

// Copy returns a deep copy of the manifest. Commit loops mutate the copy so a
// lost race can restart from the freshly fetched document.
func (m *Manifest) Copy() *Manifest {
	entries := make([]ManifestEntry, len(m.Entries))
	copy(entries, m.Entries)
	return &Manifest{
		Format:    m.Format,
		ID:        m.ID,
		Revision:  m.Revision,
		UpdatedAt: m.UpdatedAt,
		Entries:   entries,
	}
}

func (m *Manifest) touch() {
	m.Revision++
	m.UpdatedAt = time.Now().UTC()
}
