package utils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkSlice(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	chunks := ChunkSlice(ids, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"a", "b"}, chunks[0])
	assert.Equal(t, []string{"e"}, chunks[2])

	assert.Nil(t, ChunkSlice([]string{}, 2))
	assert.Nil(t, ChunkSlice(ids, 0))
}

func TestUniqueSlicePreservesOrder(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, UniqueSlice([]string{"a", "b", "a", "c", "b"}))
}

func TestParseDecimal(t *testing.T) {
	d, err := ParseDecimal(" 500.25 ")
	require.NoError(t, err)
	assert.Equal(t, "500.25", d.String())

	d, err = ParseDecimal("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	_, err = ParseDecimal("not-a-number")
	assert.Error(t, err)
}

func TestDecimalFromNumberFallsBackToZero(t *testing.T) {
	assert.Equal(t, "10.5", DecimalFromNumber(json.Number("10.5")).String())
	assert.True(t, DecimalFromNumber(json.Number("")).IsZero())
	assert.True(t, DecimalFromNumber(json.Number("garbage")).IsZero())
}

func TestNewTrue(t *testing.T) {
	b := NewTrue()
	require.NotNil(t, b)
	assert.True(t, *b)
}
