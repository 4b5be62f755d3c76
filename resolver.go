package checkpoint

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Ordering identifies the comparison rule used to rank version tokens.
// Version sets in the wild mix semantic versions, bare step counters, and
// free-form tags, so the rule is chosen per manifest rather than fixed.
type Ordering string

const (
	// OrderingSemver applies when every version parses as a strict
	// semantic version.
	OrderingSemver Ordering = "semver"
	// OrderingNumeric applies when every version parses as a base-10
	// integer. Leading zeros are allowed, so "0004" ranks as 4.
	OrderingNumeric Ordering = "numeric"
	// OrderingLexical is the fallback when the versions fit neither
	// scheme. Byte order may not reflect the order checkpoints were
	// written, so resolutions under it carry AmbiguousOrdering.
	OrderingLexical Ordering = "lexical"
)

// Resolution is the outcome of resolving a selector against a manifest.
type Resolution struct {
	// Entry is the manifest entry the selector resolved to.
	Entry ManifestEntry
	// Ordering is the comparison rule that ranked the candidates. It is
	// empty for exact selectors, which need no ranking.
	Ordering Ordering
	// AmbiguousOrdering is set when the lexical fallback decided the
	// result. Callers should surface this to the user: the "latest"
	// checkpoint under byte order may not be the newest one written.
	AmbiguousOrdering bool
}

// ResolveVersion resolves a selector against a manifest snapshot. It is a
// pure function: the same manifest and selector always produce the same
// resolution. Constraint selectors only consider entries whose versions
// parse as semantic versions.
func ResolveVersion(m *Manifest, sel Selector) (Resolution, error) {
	if m == nil || len(m.Entries) == 0 {
		var id string
		if m != nil {
			id = m.ID
		}
		return Resolution{}, &VersionNotFoundError{ID: id, Selector: sel.String()}
	}

	switch sel.Kind() {
	case SelectorExact:
		entry, ok := m.Lookup(sel.Value())
		if !ok {
			return Resolution{}, &VersionNotFoundError{ID: m.ID, Selector: sel.String()}
		}
		return Resolution{Entry: entry}, nil

	case SelectorLatest:
		ordering := classifyOrdering(m.Versions())
		best := m.Entries[0]
		for _, entry := range m.Entries[1:] {
			if compareVersions(entry.Version, best.Version, ordering) > 0 {
				best = entry
			}
		}
		return Resolution{
			Entry:             best,
			Ordering:          ordering,
			AmbiguousOrdering: ordering == OrderingLexical,
		}, nil

	case SelectorConstraint:
		constraint, err := semver.NewConstraint(sel.Value())
		if err != nil {
			return Resolution{}, fmt.Errorf("invalid version constraint %q: %w", sel.Value(), err)
		}
		var best ManifestEntry
		var bestVersion *semver.Version
		for _, entry := range m.Entries {
			v, err := semver.NewVersion(entry.Version)
			if err != nil {
				continue
			}
			if !constraint.Check(v) {
				continue
			}
			if bestVersion == nil || v.GreaterThan(bestVersion) {
				best, bestVersion = entry, v
			}
		}
		if bestVersion == nil {
			return Resolution{}, &VersionNotFoundError{ID: m.ID, Selector: sel.String()}
		}
		return Resolution{Entry: best, Ordering: OrderingSemver}, nil

	default:
		return Resolution{}, fmt.Errorf("invalid version selector %q", sel.String())
	}
}

// classifyOrdering picks the strongest comparison rule that covers every
// version token: semver if all parse strictly, then integer, then lexical.
func classifyOrdering(versions []string) Ordering {
	allSemver, allNumeric := true, true
	for _, v := range versions {
		if allSemver {
			if _, err := semver.StrictNewVersion(v); err != nil {
				allSemver = false
			}
		}
		if allNumeric {
			if _, err := strconv.ParseUint(v, 10, 64); err != nil {
				allNumeric = false
			}
		}
		if !allSemver && !allNumeric {
			return OrderingLexical
		}
	}
	if allSemver {
		return OrderingSemver
	}
	if allNumeric {
		return OrderingNumeric
	}
	return OrderingLexical
}

// compareVersions ranks two version tokens under the given ordering. Tokens
// that fail to parse under their claimed ordering fall back to byte order,
// though classifyOrdering never hands such tokens in.
func compareVersions(a, b string, ordering Ordering) int {
	switch ordering {
	case OrderingSemver:
		va, errA := semver.StrictNewVersion(a)
		vb, errB := semver.StrictNewVersion(b)
		if errA == nil && errB == nil {
			return va.Compare(vb)
		}
	case OrderingNumeric:
		na, errA := strconv.ParseUint(a, 10, 64)
		nb, errB := strconv.ParseUint(b, 10, 64)
		if errA == nil && errB == nil {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(a, b)
}

// sortedEntries returns the manifest entries ranked oldest to newest under
// the ordering ladder. Loads that fall back after a corrupt read walk this
// slice from the target entry downward.
func sortedEntries(m *Manifest) ([]ManifestEntry, Ordering) {
	ordering := classifyOrdering(m.Versions())
	entries := make([]ManifestEntry, len(m.Entries))
	copy(entries, m.Entries)
	sort.SliceStable(entries, func(i, j int) bool {
		return compareVersions(entries[i].Version, entries[j].Version, ordering) < 0
	})
	return entries, ordering
}
