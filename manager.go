package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/deepscale-ai/checkpoint/retry"
	"go.jetify.com/typeid"
)

// NewStagingToken returns a unique token for one staging attempt.
func NewStagingToken() string {
	id, err := typeid.WithPrefix("stage")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ManagerOptions configures a checkpoint manager.
type ManagerOptions struct {
	Backend Backend
	Codec   Codec
	Logger  *slog.Logger

	// ConflictRetries bounds how many times one Save or Delete re-runs
	// its manifest compare-and-swap after losing to a concurrent writer.
	ConflictRetries int
}

// Manager stores and retrieves versioned checkpoints on a Backend. Every
// version's payload lives under its own key; a per-ID manifest is the single
// serialization point, updated only through conditional writes, which makes
// saves from concurrent goroutines and independent OS processes linearizable
// per ID.
//
// A Manager holds no per-call state and is safe for concurrent use.
type Manager struct {
	backend         Backend
	codec           Codec
	logger          *slog.Logger
	conflictRetries int
}

// NewManager creates a manager on top of a backend.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.Codec == nil {
		opts.Codec = NewNoneCodec()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = 5
	}
	return &Manager{
		backend:         opts.Backend,
		codec:           opts.Codec,
		logger:          opts.Logger,
		conflictRetries: opts.ConflictRetries,
	}, nil
}

// Codec returns the codec this manager encodes new checkpoints with.
func (m *Manager) Codec() Codec { return m.codec }

// Close releases the underlying backend.
func (m *Manager) Close() error { return m.backend.Close() }

// Save stores payload as a new version of the checkpoint. version may be an
// explicit token or VersionAuto for the next free integer. The payload is
// staged under a unique key first and committed by appending a manifest
// entry through a conditional write; a save that loses the manifest race
// retries the cheap pointer update with fresh state, not the data transfer.
//
// Saving an explicit version that already exists fails with
// *VersionExistsError unless opts.Overwrite is set. Cancelling ctx before
// the manifest commit leaves no visible effect beyond unreferenced staged
// data.
func (m *Manager) Save(ctx context.Context, id, version string, payload []byte, opts SaveOptions) (*CommittedVersion, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	auto := version == VersionAuto
	if !auto {
		if err := validateVersion(version); err != nil {
			return nil, err
		}
	}

	manifest, revision, err := m.fetchManifest(ctx, id)
	if err != nil {
		return nil, err
	}
	// Catch explicit duplicates before paying for the data transfer. The
	// commit loop re-checks against the manifest it actually swaps.
	if !auto && !opts.Overwrite {
		if _, exists := manifest.Lookup(version); exists {
			return nil, &VersionExistsError{ID: id, Version: version}
		}
	}

	checksum := sha256Hex(payload)
	encoded, err := m.codec.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %q: failed to encode payload: %w", id, err)
	}

	staging := stagingKey(id, NewStagingToken())
	err = retry.Do(ctx, func() error {
		return m.backend.Put(ctx, staging, encoded)
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint %q: failed to stage data: %w", id, err)
	}
	m.logger.Debug("staged checkpoint data",
		"id", id, "key", staging, "size", len(encoded), "codec", m.codec.Name())

	committed, err := m.commit(ctx, commitState{
		id:       id,
		version:  version,
		auto:     auto,
		checksum: checksum,
		size:     int64(len(encoded)),
		staging:  staging,
		manifest: manifest,
		revision: revision,
		opts:     opts,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("committed checkpoint",
		"id", id, "version", committed.Version, "key", committed.Key,
		"revision", committed.Revision)
	return committed, nil
}

// commitState carries one save attempt through the claim-and-commit loop.
type commitState struct {
	id       string
	version  string
	auto     bool
	checksum string
	size     int64
	staging  string
	manifest *Manifest
	revision string
	opts     SaveOptions

	claimedKey     string
	claimedVersion string
}

// commit runs the claim-and-commit loop. Each iteration claims the committed
// key for a candidate version by conditional rename, then swaps the manifest
// pointer. Claiming before the swap keeps the invariant that every manifest
// entry references a key that exists with its final bytes.
func (m *Manager) commit(ctx context.Context, st commitState) (*CommittedVersion, error) {
	var attempts int
	for attempts = 1; attempts <= m.conflictRetries; attempts++ {
		if attempts > 1 {
			manifest, revision, err := m.fetchManifest(ctx, st.id)
			if err != nil {
				m.abortCommit(ctx, &st)
				return nil, err
			}
			st.manifest, st.revision = manifest, revision
		}

		version := st.version
		if st.auto {
			if st.claimedVersion != "" {
				// A claim from a lost manifest race is still ours.
				version = st.claimedVersion
			} else {
				next, err := m.nextAutoVersion(ctx, st.id, st.manifest)
				if err != nil {
					m.abortCommit(ctx, &st)
					return nil, err
				}
				version = next
			}
		}

		if existing, exists := st.manifest.Lookup(version); exists && !st.opts.Overwrite {
			if st.claimedKey != "" && existing.Key == st.claimedKey {
				// An overwriter repointed the version onto our claimed
				// key. The key now backs their entry; leave it.
				return nil, &VersionExistsError{ID: st.id, Version: version}
			}
			m.abortCommit(ctx, &st)
			return nil, &VersionExistsError{ID: st.id, Version: version}
		}

		if st.claimedKey == "" {
			key := committedKey(st.id, version, m.codec.Extension())
			// Overwrite owns its version token outright and may replace
			// whatever sits at the key, including an orphaned claim.
			replace := !st.auto && st.opts.Overwrite
			err := m.backend.Rename(ctx, st.staging, key, replace)
			switch {
			case err == nil:
				st.claimedKey, st.claimedVersion = key, version
			case errors.Is(err, ErrKeyExists) && st.auto:
				// Another writer holds this integer; take the next one.
				m.logger.Debug("version already claimed, advancing",
					"id", st.id, "version", version)
				continue
			case errors.Is(err, ErrKeyExists):
				m.abortCommit(ctx, &st)
				return nil, &ConflictError{ID: st.id, Version: version, Attempts: attempts}
			default:
				m.abortCommit(ctx, &st)
				return nil, fmt.Errorf("checkpoint %q: failed to claim version %s: %w", st.id, version, err)
			}
		}

		entry := ManifestEntry{
			Version:   st.claimedVersion,
			Key:       st.claimedKey,
			Checksum:  st.checksum,
			Codec:     m.codec.Name(),
			Size:      st.size,
			CreatedAt: time.Now().UTC(),
		}
		next := st.manifest.Copy()
		next.Append(entry)
		doc, err := next.Encode()
		if err != nil {
			m.abortCommit(ctx, &st)
			return nil, err
		}

		casErr := retry.Do(ctx, func() error {
			_, err := m.backend.PutIfMatch(ctx, manifestKey(st.id), doc, st.revision)
			return err
		})
		if casErr == nil {
			return &CommittedVersion{
				ID:        st.id,
				Version:   entry.Version,
				Key:       entry.Key,
				Checksum:  entry.Checksum,
				Codec:     entry.Codec,
				Size:      entry.Size,
				CreatedAt: entry.CreatedAt,
				Revision:  next.Revision,
			}, nil
		}
		if errors.Is(casErr, ErrRevisionMismatch) {
			// Lost the pointer race. The staged data was already claimed,
			// so only the manifest update is retried.
			m.logger.Debug("manifest conflict, retrying commit",
				"id", st.id, "version", entry.Version, "attempt", attempts)
			continue
		}
		m.abortCommit(ctx, &st)
		return nil, fmt.Errorf("checkpoint %q: failed to update manifest: %w", st.id, casErr)
	}

	m.abortCommit(ctx, &st)
	return nil, &ConflictError{ID: st.id, Version: st.version, Attempts: m.conflictRetries}
}

// abortCommit releases the keys a failed save attempt still holds. Cleanup
// is best effort; anything a crash leaves behind is unreferenced and falls
// to external retention.
func (m *Manager) abortCommit(ctx context.Context, st *commitState) {
	ctx = context.WithoutCancel(ctx)
	if st.claimedKey != "" {
		if err := m.backend.Delete(ctx, st.claimedKey); err != nil {
			m.logger.Warn("failed to release claimed key",
				"id", st.id, "key", st.claimedKey, "error", err)
		}
		return
	}
	if err := m.backend.Delete(ctx, st.staging); err != nil {
		m.logger.Warn("failed to remove staged data",
			"id", st.id, "key", st.staging, "error", err)
	}
}

// nextAutoVersion picks the next free integer version: one above the highest
// integer in the manifest or already claimed as a committed key. Orphaned
// claims are skipped over rather than waited on.
func (m *Manager) nextAutoVersion(ctx context.Context, id string, manifest *Manifest) (string, error) {
	var max uint64
	for _, v := range manifest.Versions() {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > max {
			max = n
		}
	}
	var keys []string
	err := retry.Do(ctx, func() error {
		var err error
		keys, err = m.backend.List(ctx, id+"/")
		return err
	})
	if err != nil {
		return "", fmt.Errorf("checkpoint %q: failed to list claimed versions: %w", id, err)
	}
	for _, key := range keys {
		v, ok := versionFromKey(id, key)
		if !ok {
			continue
		}
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > max {
			max = n
		}
	}
	return strconv.FormatUint(max+1, 10), nil
}

// Load fetches the payload of the version sel resolves to and verifies its
// checksum before returning it. A verification failure is
// *CorruptCheckpointError and is never retried against the same key; with
// opts.FallbackToPrevious the load walks down to older versions until one
// verifies.
func (m *Manager) Load(ctx context.Context, id string, sel Selector, opts LoadOptions) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	manifest, _, err := m.fetchManifest(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := ResolveVersion(manifest, sel)
	if err != nil {
		return nil, err
	}
	if res.AmbiguousOrdering {
		m.logger.Warn("version ordering is ambiguous, using lexical order",
			"id", id, "selector", sel.String(), "resolved", res.Entry.Version)
	}

	payload, loadErr := m.loadEntry(ctx, id, res.Entry)
	if loadErr == nil {
		return payload, nil
	}
	if !opts.FallbackToPrevious || !isFallbackWorthy(loadErr) {
		return nil, loadErr
	}

	ordered, _ := sortedEntries(manifest)
	for i := indexOfVersion(ordered, res.Entry.Version) - 1; i >= 0; i-- {
		entry := ordered[i]
		m.logger.Warn("falling back to previous version",
			"id", id, "failed", res.Entry.Version, "trying", entry.Version)
		payload, err := m.loadEntry(ctx, id, entry)
		if err == nil {
			return payload, nil
		}
		if !isFallbackWorthy(err) {
			return nil, err
		}
	}
	return nil, loadErr
}

// loadEntry fetches, decodes, and verifies one manifest entry.
func (m *Manager) loadEntry(ctx context.Context, id string, entry ManifestEntry) ([]byte, error) {
	if entry.Codec != m.codec.Name() {
		return nil, &CodecMismatchError{
			ID:         id,
			Version:    entry.Version,
			Configured: m.codec.Name(),
			Recorded:   entry.Codec,
		}
	}
	var encoded []byte
	err := retry.Do(ctx, func() error {
		var err error
		encoded, err = m.backend.Get(ctx, entry.Key)
		return err
	})
	if err != nil {
		return nil, err
	}
	payload, err := m.codec.Decode(encoded)
	if err != nil {
		return nil, &CorruptCheckpointError{
			ID:      id,
			Version: entry.Version,
			Key:     entry.Key,
			Want:    entry.Checksum,
			Err:     err,
		}
	}
	if got := sha256Hex(payload); got != entry.Checksum {
		return nil, &CorruptCheckpointError{
			ID:      id,
			Version: entry.Version,
			Key:     entry.Key,
			Want:    entry.Checksum,
			Got:     got,
		}
	}
	return payload, nil
}

// isFallbackWorthy reports whether an older version might still serve after
// this failure: proven corruption and missing blobs qualify, configuration
// and transport errors do not.
func isFallbackWorthy(err error) bool {
	var corrupt *CorruptCheckpointError
	return errors.As(err, &corrupt) || errors.Is(err, ErrKeyNotFound)
}

func indexOfVersion(entries []ManifestEntry, version string) int {
	for i, entry := range entries {
		if entry.Version == version {
			return i
		}
	}
	return 0
}

// ListVersions returns descriptors for every committed version in commit
// order. An ID that was never saved yields an empty slice, not an error.
func (m *Manager) ListVersions(ctx context.Context, id string) ([]VersionDescriptor, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	manifest, _, err := m.fetchManifest(ctx, id)
	if err != nil {
		return nil, err
	}
	descriptors := make([]VersionDescriptor, 0, len(manifest.Entries))
	for _, entry := range manifest.Entries {
		descriptors = append(descriptors, descriptorFromEntry(entry))
	}
	return descriptors, nil
}

// Exists reports whether sel resolves to a committed version, without
// fetching any payload.
func (m *Manager) Exists(ctx context.Context, id string, sel Selector) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	manifest, _, err := m.fetchManifest(ctx, id)
	if err != nil {
		return false, err
	}
	_, err = ResolveVersion(manifest, sel)
	if err != nil {
		var vnf *VersionNotFoundError
		if errors.As(err, &vnf) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes a version from the manifest, which is the atomic delete in
// the logical model, then removes the stored blob as advisory cleanup. The
// physical removal may lag or fail; the version is gone either way.
func (m *Manager) Delete(ctx context.Context, id, version string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := validateVersion(version); err != nil {
		return err
	}

	for attempt := 1; attempt <= m.conflictRetries; attempt++ {
		manifest, revision, err := m.fetchManifest(ctx, id)
		if err != nil {
			return err
		}
		entry, ok := manifest.Lookup(version)
		if !ok {
			return &VersionNotFoundError{ID: id, Selector: version}
		}

		next := manifest.Copy()
		next.Remove(version)
		doc, err := next.Encode()
		if err != nil {
			return err
		}
		casErr := retry.Do(ctx, func() error {
			_, err := m.backend.PutIfMatch(ctx, manifestKey(id), doc, revision)
			return err
		})
		if errors.Is(casErr, ErrRevisionMismatch) {
			m.logger.Debug("manifest conflict, retrying delete",
				"id", id, "version", version, "attempt", attempt)
			continue
		}
		if casErr != nil {
			return fmt.Errorf("checkpoint %q: failed to update manifest: %w", id, casErr)
		}

		if err := m.backend.Delete(context.WithoutCancel(ctx), entry.Key); err != nil {
			m.logger.Warn("failed to delete checkpoint data",
				"id", id, "version", version, "key", entry.Key, "error", err)
		}
		m.logger.Info("deleted checkpoint version", "id", id, "version", version)
		return nil
	}
	return &ConflictError{ID: id, Version: version, Attempts: m.conflictRetries}
}

// fetchManifest reads and decodes the manifest for id. A missing manifest
// yields an empty one whose revision token is the create-only token.
func (m *Manager) fetchManifest(ctx context.Context, id string) (*Manifest, string, error) {
	var data []byte
	var revision string
	err := retry.Do(ctx, func() error {
		var err error
		data, revision, err = m.backend.GetWithRevision(ctx, manifestKey(id))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return NewManifest(id), "", nil
		}
		return nil, "", fmt.Errorf("checkpoint %q: failed to read manifest: %w", id, err)
	}
	manifest, err := DecodeManifest(data)
	if err != nil {
		return nil, "", fmt.Errorf("checkpoint %q: %w", id, err)
	}
	return manifest, revision, nil
}
