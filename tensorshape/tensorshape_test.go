package tensorshape

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorgraph/runtime/dtype"
)

func TestSizeAndRank(t *testing.T) {
	s := Make(dtype.Float32, 2, 3, 4)
	require.Equal(t, 3, s.Rank())
	require.Equal(t, int64(24), s.Size())
	require.False(t, s.IsScalar())
}

func TestScalarShape(t *testing.T) {
	s := Make(dtype.Float32)
	require.True(t, s.IsScalar())
	require.Equal(t, int64(1), s.Size())
}

func TestEqual(t *testing.T) {
	a := Make(dtype.Float32, 2, 3)
	b := Make(dtype.Float32, 2, 3)
	c := Make(dtype.Float32, 3, 2)
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestBroadcastsPerChannel(t *testing.T) {
	scalar := Make(dtype.Float32)
	perChannel := Make(dtype.Float32, 1, 8, 1, 1)
	mismatched := Make(dtype.Float32, 1, 5, 1, 1)
	require.True(t, scalar.BroadcastsPerChannel(8))
	require.True(t, perChannel.BroadcastsPerChannel(8))
	require.False(t, mismatched.BroadcastsPerChannel(8))
}

func TestInsertUnitDims(t *testing.T) {
	s := Make(dtype.Float32, 3, 4)
	out := s.InsertUnitDims([]int64{0, 3})
	require.Equal(t, []int64{1, 3, 4, 1}, out.Dimensions)
}
