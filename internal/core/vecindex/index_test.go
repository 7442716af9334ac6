package vecindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatIndexAddAssignsContiguousPositions(t *testing.T) {
	idx := NewFlatIndex()

	positions, err := idx.Add([][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, positions)

	positions, err = idx.Add([][]float32{{1, 1}})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, positions)

	assert.Equal(t, 3, idx.Count())
	assert.Equal(t, 2, idx.Dimension())
}

func TestFlatIndexFirstBatchFixesDimension(t *testing.T) {
	idx := NewFlatIndex()

	_, err := idx.Add([][]float32{{1, 0, 0}})
	require.NoError(t, err)

	_, err = idx.Add([][]float32{{1, 0}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 1, idx.Count())
}

func TestFlatIndexSearchOrdersByDistanceAscending(t *testing.T) {
	idx := NewFlatIndex()
	_, err := idx.Add([][]float32{{0, 0}, {1, 0}, {3, 0}})
	require.NoError(t, err)

	matches, err := idx.Search([]float32{0.9, 0}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)

	assert.Equal(t, 1, matches[0].Position)
	assert.Equal(t, 0, matches[1].Position)
	assert.Equal(t, 2, matches[2].Position)
	assert.Less(t, matches[0].Distance, matches[1].Distance)
	assert.Less(t, matches[1].Distance, matches[2].Distance)
}

func TestFlatIndexSearchPadsWithSentinel(t *testing.T) {
	idx := NewFlatIndex()
	_, err := idx.Add([][]float32{{1, 0}})
	require.NoError(t, err)

	matches, err := idx.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 5)

	assert.Equal(t, 0, matches[0].Position)
	for _, m := range matches[1:] {
		assert.Equal(t, SentinelPosition, m.Position)
	}
}

func TestFlatIndexSearchQueryDimensionMismatch(t *testing.T) {
	idx := NewFlatIndex()
	_, err := idx.Add([][]float32{{1, 0}})
	require.NoError(t, err)

	_, err = idx.Search([]float32{1, 0, 0}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestFlatIndexSerializationRoundTrip(t *testing.T) {
	idx := NewFlatIndex()
	_, err := idx.Add([][]float32{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)

	data, err := idx.MarshalBinary()
	require.NoError(t, err)

	dim, count, err := ReadHeader(data)
	require.NoError(t, err)
	assert.Equal(t, 3, dim)
	assert.Equal(t, 2, count)

	restored, err := UnmarshalBinary(data)
	require.NoError(t, err)
	assert.Equal(t, idx.Count(), restored.Count())
	assert.Equal(t, idx.Dimension(), restored.Dimension())

	matches, err := restored.Search([]float32{4, 5, 6}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, matches[0].Position)
	assert.InDelta(t, 0.0, matches[0].Distance, 1e-6)
}

func TestUnmarshalBinaryRejectsTruncatedData(t *testing.T) {
	idx := NewFlatIndex()
	_, err := idx.Add([][]float32{{1, 2}, {3, 4}})
	require.NoError(t, err)

	data, err := idx.MarshalBinary()
	require.NoError(t, err)

	_, err = UnmarshalBinary(data[:len(data)-1])
	assert.ErrorIs(t, err, ErrCorruptData)
}
