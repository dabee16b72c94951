package dbtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringListRoundTripsArrayLiteral(t *testing.T) {
	value, err := StringList{"course-a", "course b"}.Value()
	require.NoError(t, err)

	var out StringList
	require.NoError(t, out.Scan(value))
	assert.Equal(t, StringList{"course-a", "course b"}, out)
}

func TestStringListNilValue(t *testing.T) {
	value, err := StringList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", value)

	var out StringList
	require.NoError(t, out.Scan([]byte("{}")))
	assert.Empty(t, out)
}

func TestStringListNormalize(t *testing.T) {
	got := StringList{" b ", "a", "", "b"}.Normalize()
	assert.Equal(t, StringList{"a", "b"}, got)
	assert.True(t, got.Contains("a"))
	assert.False(t, got.Contains("c"))
}
