package alloc

import (
	"strconv"
	"strings"
)

// Scope is an allocation namespace. Sequence numbers are contiguous and codes
// unique within a scope; the scope is immutable once chosen for an entity.
type Scope struct {
	// Kind names the entity table the scope belongs to ("student", "class",
	// "course"). Used for metrics labels and error context.
	Kind string
	// Key is the scope discriminator, e.g. a department code. Empty for a
	// global namespace.
	Key string
	// Year is the period component, e.g. admission year. Zero when the scope
	// has no period.
	Year int
}

// String renders the scope for logs and error messages.
func (s Scope) String() string {
	parts := []string{s.Kind}
	if s.Key != "" {
		parts = append(parts, s.Key)
	}
	if s.Year != 0 {
		parts = append(parts, strconv.Itoa(s.Year))
	}
	return strings.Join(parts, "/")
}

// Normalize applies the canonical code normalization: trim surrounding
// whitespace and uppercase. Applied uniformly to generated and
// caller-provided codes before any uniqueness check or insert.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
