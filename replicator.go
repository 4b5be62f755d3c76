package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ReplicatorOptions configures a replicator.
type ReplicatorOptions struct {
	// Destinations receive every save. All of them must succeed.
	Destinations []*Manager
	// Sources are consulted in order on load; the first success wins.
	Sources []*Manager
	Logger  *slog.Logger
}

// Replicator spreads checkpoints across independently configured managers:
// saves fan out to every destination, loads fall through the sources until
// one serves. A typical setup writes to local disk and object storage and
// reads local-first.
type Replicator struct {
	destinations []*Manager
	sources      []*Manager
	logger       *slog.Logger
}

// NewReplicator creates a replicator from at least one destination or
// source.
func NewReplicator(opts ReplicatorOptions) (*Replicator, error) {
	if len(opts.Destinations) == 0 && len(opts.Sources) == 0 {
		return nil, fmt.Errorf("at least one destination or source is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Replicator{
		destinations: opts.Destinations,
		sources:      opts.Sources,
		logger:       opts.Logger,
	}, nil
}

// Save stores the payload on every destination concurrently and returns the
// per-destination commits in destination order. If any destination fails the
// joined errors are returned; successful destinations keep their copies, so
// a retry with an explicit version is safe.
func (r *Replicator) Save(ctx context.Context, id, version string, payload []byte, opts SaveOptions) ([]*CommittedVersion, error) {
	if len(r.destinations) == 0 {
		return nil, fmt.Errorf("replicator has no destinations")
	}

	committed := make([]*CommittedVersion, len(r.destinations))
	errs := make([]error, len(r.destinations))
	var wg sync.WaitGroup
	for i, dest := range r.destinations {
		wg.Add(1)
		go func(i int, dest *Manager) {
			defer wg.Done()
			committed[i], errs[i] = dest.Save(ctx, id, version, payload, opts)
		}(i, dest)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to replicate checkpoint %q: %w", id, err)
	}
	return committed, nil
}

// Load walks the sources in order and returns the first payload that loads
// and verifies. Sources that miss, fail, or hold corrupt data are skipped
// with a log line; when every source fails the last error is returned.
func (r *Replicator) Load(ctx context.Context, id string, sel Selector, opts LoadOptions) ([]byte, error) {
	if len(r.sources) == 0 {
		return nil, fmt.Errorf("replicator has no sources")
	}

	var lastErr error
	for i, src := range r.sources {
		payload, err := src.Load(ctx, id, sel, opts)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		r.logger.Warn("checkpoint source failed, trying next",
			"id", id, "selector", sel.String(), "source", i, "error", err)
	}
	return nil, fmt.Errorf("all checkpoint sources failed for %q: %w", id, lastErr)
}

// Exists reports whether any source can resolve the selector.
func (r *Replicator) Exists(ctx context.Context, id string, sel Selector) (bool, error) {
	if len(r.sources) == 0 {
		return false, fmt.Errorf("replicator has no sources")
	}

	var lastErr error
	for _, src := range r.sources {
		ok, err := src.Exists(ctx, id, sel)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return true, nil
		}
	}
	if lastErr != nil {
		return false, lastErr
	}
	return false, nil
}

// Close releases every manager exactly once, even when one serves as both a
// destination and a source.
func (r *Replicator) Close() error {
	seen := make(map[*Manager]bool)
	var errs []error
	for _, mgr := range append(append([]*Manager{}, r.destinations...), r.sources...) {
		if seen[mgr] {
			continue
		}
		seen[mgr] = true
		if err := mgr.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
