package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, version{1, 2, 3}, v)

	_, err = parseVersion("1.2")
	assert.Error(t, err)

	_, err = parseVersion("a.b.c")
	assert.Error(t, err)
}

func TestVersion_Compare(t *testing.T) {
	a, _ := parseVersion("1.2.3")
	b, _ := parseVersion("1.10.0")
	assert.Equal(t, -1, a.compare(b))
	assert.Equal(t, 1, b.compare(a))

	c, _ := parseVersion("1.2.3")
	assert.Equal(t, 0, a.compare(c))
}

func TestParseRange_AndMatches(t *testing.T) {
	constraints, err := parseRange(">=1.0.0,<2.0.0")
	require.NoError(t, err)
	require.Len(t, constraints, 2)

	inRange, _ := parseVersion("1.5.0")
	outOfRange, _ := parseVersion("2.0.0")

	assert.True(t, matchesRange(inRange, constraints))
	assert.False(t, matchesRange(outOfRange, constraints))
}

func TestParseRange_Empty(t *testing.T) {
	constraints, err := parseRange("")
	require.NoError(t, err)
	assert.Nil(t, constraints)
}

func TestParseRange_InvalidClause(t *testing.T) {
	_, err := parseRange("~1.0.0")
	assert.Error(t, err)
}
