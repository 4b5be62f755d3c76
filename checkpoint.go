package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// VersionAuto asks Save to assign the next free integer version for the ID,
// one above the highest version already committed or claimed.
const VersionAuto = "auto"

// CommittedVersion describes a checkpoint version as of its manifest commit.
type CommittedVersion struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Key      string `json:"key"`
	Checksum string `json:"checksum"`
	Codec    string `json:"codec"`
	// Size is the stored (encoded) byte count, not the payload size.
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	// Revision is the manifest revision that committed this version.
	Revision int64 `json:"revision"`
}

// VersionDescriptor describes one committed version in a ListVersions
// result.
type VersionDescriptor struct {
	Version   string    `json:"version"`
	Key       string    `json:"key"`
	Checksum  string    `json:"checksum"`
	Codec     string    `json:"codec"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveOptions adjust a single Save call.
type SaveOptions struct {
	// Overwrite permits saving an explicit version that already exists.
	// The entry is repointed to the newly stored data; the stored blobs
	// themselves are never edited in place.
	Overwrite bool
}

// LoadOptions adjust a single Load call.
type LoadOptions struct {
	// FallbackToPrevious loads the next older version when the resolved
	// one fails checksum verification, walking down until a version
	// verifies or none are left.
	FallbackToPrevious bool
}

// sha256Hex is the checksum format used throughout: lowercase hex SHA-256.
// Checkpoint checksums are computed over the uncompressed payload.
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func descriptorFromEntry(entry ManifestEntry) VersionDescriptor {
	return VersionDescriptor{
		Version:   entry.Version,
		Key:       entry.Key,
		Checksum:  entry.Checksum,
		Codec:     entry.Codec,
		Size:      entry.Size,
		CreatedAt: entry.CreatedAt,
	}
}
