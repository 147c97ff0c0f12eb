package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatSequencePadding(t *testing.T) {
	scope := Scope{Kind: "class", Year: 2024}

	assert.Equal(t, "C24005", Format("C{year}{sequence:3}", scope, nil, 5))
	assert.Equal(t, "C24005", Format("c{year}{sequence:3}", scope, nil, 5))
	assert.Equal(t, "C202442", Format("C{year:4}{sequence}", scope, nil, 42))
}

func TestFormatPaddingWidensOnOverflow(t *testing.T) {
	scope := Scope{Kind: "class", Year: 2024}

	// 4 digits do not fit in {sequence:3}; the field widens rather than
	// truncating.
	assert.Equal(t, "C241042", Format("C{year}{sequence:3}", scope, nil, 1042))
}

func TestFormatScopeVars(t *testing.T) {
	scope := Scope{Kind: "student", Key: "CS", Year: 2024}
	vars := map[string]string{"dept": "CS"}

	assert.Equal(t, "CS24007", Format("{dept}{year}{sequence:3}", scope, vars, 7))
}

func TestFormatUnknownTokenLeftVerbatim(t *testing.T) {
	scope := Scope{Kind: "course", Year: 2024}

	assert.Equal(t, "{SUBJECT}01", Format("{subject}{sequence:2}", scope, nil, 1))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "CS24007", Normalize("  cs24007 "))
	assert.Equal(t, "", Normalize("   "))
}
