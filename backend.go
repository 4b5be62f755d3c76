package checkpoint

import (
	"context"
	"fmt"
	"strings"
)

// Backend is the storage capability the manager builds on. Implementations
// cover the local filesystem, S3-compatible object stores, Azure Blob
// Storage, Postgres, and an in-memory store for tests.
//
// Every operation is atomic at single-key granularity: a Get never observes
// a truncated or mixed write. Backends classify their failures as transient
// or permanent by wrapping them in *BackendError, which is what makes the
// retry policy work across media.
type Backend interface {
	// Put stores data under key, replacing any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Rename atomically moves src to dst. With replace=false the move
	// claims dst exclusively and fails with ErrKeyExists when dst is
	// already present.
	Rename(ctx context.Context, src, dst string, replace bool) error

	// GetWithRevision returns the value and its revision token. An absent
	// key yields ErrKeyNotFound; the token format is opaque and
	// backend-specific.
	GetWithRevision(ctx context.Context, key string) ([]byte, string, error)

	// PutIfMatch replaces the value only while the stored revision token
	// still equals expect, and returns the new token. expect "" means the
	// key must not exist yet. A lost race is ErrRevisionMismatch.
	PutIfMatch(ctx context.Context, key string, data []byte, expect string) (string, error)

	// Kind reports the backend kind for logging and error messages.
	Kind() string

	// Close releases any resources held by the backend.
	Close() error
}

// Internal key namespace under each checkpoint ID. Names starting with "."
// are reserved so user version tokens can never collide with them.
const (
	manifestDir  = ".manifest"
	manifestName = "manifest.json"
	stagingDir   = ".staging"
)

// manifestKey is where the version index for a checkpoint ID lives.
func manifestKey(id string) string {
	return id + "/" + manifestDir + "/" + manifestName
}

// stagingKey is a per-attempt scratch location for not-yet-committed data.
func stagingKey(id, token string) string {
	return id + "/" + stagingDir + "/" + token
}

// committedKey is the durable home of one version's payload.
func committedKey(id, version, extension string) string {
	return id + "/" + version + "." + extension
}

// versionFromKey recovers the version token from a committed key under id.
// Internal keys and keys outside id's namespace report ok=false.
func versionFromKey(id, key string) (string, bool) {
	rest, found := strings.CutPrefix(key, id+"/")
	if !found || strings.Contains(rest, "/") {
		return "", false
	}
	if strings.HasPrefix(rest, ".") {
		return "", false
	}
	dot := strings.LastIndex(rest, ".")
	if dot <= 0 {
		return "", false
	}
	return rest[:dot], true
}

// validateID rejects checkpoint IDs that would escape or collide with the
// key layout.
func validateID(id string) error {
	if err := validateToken(id); err != nil {
		return fmt.Errorf("invalid checkpoint id %q: %w", id, err)
	}
	return nil
}

// validateVersion rejects version tokens that would escape or collide with
// the key layout. The "auto" token is handled by the manager before any
// assigned version reaches validation.
func validateVersion(version string) error {
	if err := validateToken(version); err != nil {
		return fmt.Errorf("invalid version %q: %w", version, err)
	}
	return nil
}

func validateToken(s string) error {
	switch {
	case s == "":
		return fmt.Errorf("must not be empty")
	case s == "." || s == "..":
		return fmt.Errorf("must not be a path shorthand")
	case strings.HasPrefix(s, "."):
		return fmt.Errorf("must not begin with a dot")
	case strings.ContainsAny(s, `/\`):
		return fmt.Errorf("must not contain path separators")
	case strings.ContainsRune(s, 0):
		return fmt.Errorf("must not contain NUL")
	}
	return nil
}
