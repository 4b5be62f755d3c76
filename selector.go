package checkpoint

import "strings"

// SelectorKind discriminates the ways a caller can name a version.
type SelectorKind string

const (
	// SelectorExact matches a single version token verbatim.
	SelectorExact SelectorKind = "exact"
	// SelectorLatest matches the greatest committed version.
	SelectorLatest SelectorKind = "latest"
	// SelectorConstraint matches the greatest version satisfying a
	// semantic version constraint expression.
	SelectorConstraint SelectorKind = "constraint"
)

// Selector names which committed version of a checkpoint an operation
// targets. Construct one with Exact, Latest, or Constraint, or parse user
// input with ParseSelector. The zero value is invalid and fails resolution.
type Selector struct {
	kind  SelectorKind
	value string
}

// Exact selects one version token verbatim.
func Exact(version string) Selector {
	return Selector{kind: SelectorExact, value: version}
}

// Latest selects the greatest committed version.
func Latest() Selector {
	return Selector{kind: SelectorLatest}
}

// Constraint selects the greatest version satisfying a semantic version
// constraint expression such as ">= 1.2, < 2.0".
func Constraint(expr string) Selector {
	return Selector{kind: SelectorConstraint, value: expr}
}

// Operator characters that mark a selector string as a constraint expression
// rather than an exact version token.
const constraintChars = "><=~^|*,"

// ParseSelector interprets a selector string: "latest" selects the greatest
// version, strings containing constraint operators are treated as semantic
// version constraints, and anything else is an exact version token.
func ParseSelector(s string) Selector {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "latest") {
		return Latest()
	}
	if strings.ContainsAny(s, constraintChars) {
		return Constraint(s)
	}
	return Exact(s)
}

// Kind reports how the selector matches versions.
func (s Selector) Kind() SelectorKind { return s.kind }

// Value returns the version token or constraint expression. It is empty for
// the latest selector.
func (s Selector) Value() string { return s.value }

// String renders the selector in the form ParseSelector accepts.
func (s Selector) String() string {
	if s.kind == SelectorLatest {
		return "latest"
	}
	return s.value
}
