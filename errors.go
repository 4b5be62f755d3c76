package checkpoint

import (
	"errors"
	"fmt"
)

// Failure kinds assigned to backend errors at the backend boundary. The kind
// decides whether an operation is retried: transient failures (timeouts,
// throttling, connection resets) are retried with backoff, permanent failures
// (authentication, missing keys, permission denied) surface immediately.
const (
	FailureTransient = "transient"
	FailurePermanent = "permanent"
)

// Sentinel errors wrapped by BackendError. Backends translate their medium's
// native error values into these so callers can match with errors.Is without
// knowing which medium they are talking to.
var (
	// ErrKeyNotFound indicates the requested key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists indicates a create-only write found the key already present.
	ErrKeyExists = errors.New("key already exists")

	// ErrRevisionMismatch indicates a conditional write lost a race: the
	// stored revision no longer matches the token the writer read.
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// BackendError wraps a failure from a storage backend together with its
// classification. It supports Go's error wrapping via Unwrap.
type BackendError struct {
	Backend string // backend kind, e.g. "filesystem", "s3"
	Op      string // operation, e.g. "put", "get", "list"
	Key     string // key involved, if any
	Kind    string // FailureTransient or FailurePermanent
	Err     error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s %q: %v", e.Backend, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying cause for errors.Is and errors.As.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether the failure may succeed on retry. This
// satisfies the retry package's Recoverable interface.
func (e *BackendError) IsRecoverable() bool {
	return e.Kind == FailureTransient
}

// transientErr wraps a backend failure that may succeed on retry.
func transientErr(backend, op, key string, err error) error {
	return &BackendError{Backend: backend, Op: op, Key: key, Kind: FailureTransient, Err: err}
}

// permanentErr wraps a backend failure that retrying cannot fix.
func permanentErr(backend, op, key string, err error) error {
	return &BackendError{Backend: backend, Op: op, Key: key, Kind: FailurePermanent, Err: err}
}

// IsTransient reports whether err is a backend failure classified as
// transient.
func IsTransient(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Kind == FailureTransient
}

// IsNotFound reports whether err indicates a missing key or version.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrKeyNotFound) {
		return true
	}
	var vnf *VersionNotFoundError
	return errors.As(err, &vnf)
}

// ConflictError is returned when a save exhausted its bounded manifest
// compare-and-swap retries. No partial state is visible; the whole save may
// safely be retried by the caller.
type ConflictError struct {
	ID       string
	Version  string
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("checkpoint %q version %q: manifest conflict after %d attempts", e.ID, e.Version, e.Attempts)
}

// VersionExistsError is returned when a save names a version that is already
// committed and overwriting was not requested. Committed checkpoints are
// immutable.
type VersionExistsError struct {
	ID      string
	Version string
}

func (e *VersionExistsError) Error() string {
	return fmt.Sprintf("checkpoint %q version %q already exists", e.ID, e.Version)
}

// VersionNotFoundError is returned when a selector matches no manifest entry.
type VersionNotFoundError struct {
	ID       string
	Selector string
}

func (e *VersionNotFoundError) Error() string {
	return fmt.Sprintf("checkpoint %q: no version matching %s", e.ID, e.Selector)
}

// CorruptCheckpointError is returned when a loaded payload fails checksum
// verification or cannot be decoded at all. The stored data for that version
// is proven corrupt and the load is never retried against the same key.
type CorruptCheckpointError struct {
	ID      string
	Version string
	Key     string
	Want    string // checksum recorded in the manifest
	Got     string // checksum of the bytes actually read; empty if undecodable
	Err     error  // decode failure, if that is what proved the corruption
}

func (e *CorruptCheckpointError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checkpoint %q version %q: stored data is corrupt: %v", e.ID, e.Version, e.Err)
	}
	return fmt.Sprintf("checkpoint %q version %q: checksum mismatch (manifest %s, stored %s)", e.ID, e.Version, e.Want, e.Got)
}

func (e *CorruptCheckpointError) Unwrap() error {
	return e.Err
}

// CodecMismatchError is returned when the manager's configured codec differs
// from the codec recorded in the manifest for the requested version. This is
// a configuration error; decoding is not attempted.
type CodecMismatchError struct {
	ID         string
	Version    string
	Configured string
	Recorded   string
}

func (e *CodecMismatchError) Error() string {
	return fmt.Sprintf("checkpoint %q version %q: saved with codec %q but manager configured with %q", e.ID, e.Version, e.Recorded, e.Configured)
}
