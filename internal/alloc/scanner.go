package alloc

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

// CodeSource exposes the two scope queries an allocator needs from an entity
// repository. Both run against the caller's transaction when q is an
// *sqlx.Tx.
type CodeSource interface {
	// LatestCode returns the code of the most recently created row in scope,
	// ordered by creation time, or "" when the scope is empty. Creation time
	// is the ordering key because it is monotonic and trustworthy; codes
	// themselves may be legacy junk.
	LatestCode(ctx context.Context, q sqlx.ExtContext, scope Scope) (string, error)
	// CodeExists probes whether a candidate code is already taken anywhere in
	// the entity table.
	CodeExists(ctx context.Context, q sqlx.ExtContext, code string) (bool, error)
}

var sequenceField = regexp.MustCompile(`\{sequence(?::\d+)?\}`)

// NextSequence derives the next sequence number for a scope from the most
// recently issued code. The template bounds the parse: only the digits in the
// sequence field's position count, so adjacent numeric tokens (the year) never
// bleed into the sequence. An empty scope, or an existing code that does not
// fit the template's shape, restarts at 1: a single corrupted legacy code must
// not block all future allocation in its scope.
func NextSequence(ctx context.Context, q sqlx.ExtContext, src CodeSource, scope Scope, template string, vars map[string]string) (int, error) {
	latest, err := src.LatestCode(ctx, q, scope)
	if err != nil {
		return 0, fmt.Errorf("scan scope %s: %w", scope, err)
	}
	if latest == "" {
		return 1, nil
	}
	seq, ok := sequenceIn(latest, template, scope, vars)
	if !ok {
		return 1, nil
	}
	return seq + 1, nil
}

// sequenceIn extracts the sequence field from an existing code by rendering
// the template around a marker and matching the code against the resulting
// prefix and suffix. The field may be wider than its pad width (padding
// widens, never truncates), so the digits between prefix and suffix are taken
// whole.
func sequenceIn(code, template string, scope Scope, vars map[string]string) (int, bool) {
	const marker = "\x00"
	shape := Format(sequenceField.ReplaceAllString(template, marker), scope, vars, 0)
	prefix, suffix, found := strings.Cut(shape, marker)
	if !found {
		return 0, false
	}
	if len(code) <= len(prefix)+len(suffix) {
		return 0, false
	}
	if !strings.HasPrefix(code, prefix) || !strings.HasSuffix(code, suffix) {
		return 0, false
	}
	digits := code[len(prefix) : len(code)-len(suffix)]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		// Digit run too long to fit an int; treat as unparseable.
		return 0, false
	}
	return n, true
}
