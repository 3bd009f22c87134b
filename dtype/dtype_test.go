package dtype

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestSizeAndIsFloat(t *testing.T) {
	require.Equal(t, 4, Float32.Size())
	require.Equal(t, 8, Float64.Size())
	require.Equal(t, 4, Int32.Size())
	require.Equal(t, 8, Int64.Size())
	require.True(t, Float32.IsFloat())
	require.False(t, Int32.IsFloat())
}

func TestFromGoTypeRoundTrips(t *testing.T) {
	require.Equal(t, Float32, FromGoType(float32(0)))
	require.Equal(t, Float64, FromGoType(float64(0)))
	require.Equal(t, Int32, FromGoType(int32(0)))
	require.Equal(t, Int64, FromGoType(int64(0)))
	require.Equal(t, Float16, FromGoType(float16.Float16(0)))
	require.Equal(t, Invalid, FromGoType("not a dtype"))
}

func TestValidateRejectsInvalid(t *testing.T) {
	require.NoError(t, Validate(Float32))
	require.Error(t, Validate(Invalid))
}
