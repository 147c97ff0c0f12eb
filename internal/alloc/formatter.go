package alloc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Code templates are a small placeholder language:
//
//	{sequence}    unpadded sequence number
//	{sequence:N}  sequence zero-padded to N digits
//	{year}        2-digit year taken from the scope period
//	{year:4}      4-digit year
//
// plus caller-supplied tokens (e.g. {dept}, {subject}) resolved from the vars
// map before the generic tokens. Unknown tokens are left verbatim: supplying
// every referenced token is a static authoring concern, not a runtime error.
var tokenPattern = regexp.MustCompile(`\{(sequence|year)(?::(\d+))?\}`)

// Format renders a sequence number plus scope metadata into the final code.
// Padding never truncates: a sequence wider than its pad width widens the
// field so uniqueness is not sacrificed for cosmetic width.
func Format(template string, scope Scope, vars map[string]string, sequence int) string {
	out := template
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}

	out = tokenPattern.ReplaceAllStringFunc(out, func(match string) string {
		groups := tokenPattern.FindStringSubmatch(match)
		name, width := groups[1], groups[2]
		switch name {
		case "sequence":
			if width == "" {
				return strconv.Itoa(sequence)
			}
			n, _ := strconv.Atoi(width)
			return fmt.Sprintf("%0*d", n, sequence)
		case "year":
			if width == "4" {
				return fmt.Sprintf("%04d", scope.Year)
			}
			return fmt.Sprintf("%02d", scope.Year%100)
		}
		return match
	})

	return Normalize(out)
}
