package guard

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckedAdd(t *testing.T) {
	v, err := CheckedAdd(int64(1), int64(2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	_, err = CheckedAdd(int64(math.MaxInt64), int64(1))
	assert.ErrorIs(t, err, ErrArithmetic)

	_, err = CheckedAdd(int64(math.MinInt64), int64(-1))
	assert.ErrorIs(t, err, ErrArithmetic)

	_, err = CheckedAdd(uint8(250), uint8(10))
	assert.ErrorIs(t, err, ErrArithmetic)
}

func TestCheckedSub(t *testing.T) {
	v, err := CheckedSub(5, 7)
	require.NoError(t, err)
	assert.Equal(t, -2, v)

	_, err = CheckedSub(uint(1), uint(2))
	assert.ErrorIs(t, err, ErrArithmetic)

	_, err = CheckedSub(int32(math.MinInt32), int32(1))
	assert.ErrorIs(t, err, ErrArithmetic)
}

func TestCheckedMul(t *testing.T) {
	v, err := CheckedMul(int64(-4), int64(5))
	require.NoError(t, err)
	assert.Equal(t, int64(-20), v)

	_, err = CheckedMul(int64(math.MaxInt64), int64(2))
	assert.ErrorIs(t, err, ErrArithmetic)

	_, err = CheckedMul(int64(math.MinInt64), int64(-1))
	assert.ErrorIs(t, err, ErrArithmetic)

	_, err = CheckedMul(int64(-1), int64(math.MinInt64))
	assert.ErrorIs(t, err, ErrArithmetic)

	v, err = CheckedMul(int64(0), int64(99))
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestCheckedDiv(t *testing.T) {
	v, err := CheckedDiv(9, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	_, err = CheckedDiv(1, 0)
	assert.ErrorIs(t, err, ErrArithmetic)

	_, err = CheckedDiv(int8(math.MinInt8), int8(-1))
	assert.ErrorIs(t, err, ErrArithmetic)

	v8, err := CheckedDiv(int8(-128), int8(2))
	require.NoError(t, err)
	assert.Equal(t, int8(-64), v8)
}

func TestCheckedConvert(t *testing.T) {
	v, err := CheckedConvert[int32](int64(12))
	require.NoError(t, err)
	assert.Equal(t, int32(12), v)

	_, err = CheckedConvert[int32](int64(math.MaxInt64))
	assert.ErrorIs(t, err, ErrArithmetic)

	_, err = CheckedConvert[uint](-1)
	assert.ErrorIs(t, err, ErrArithmetic)
}

func TestSafeIndexAndSlice(t *testing.T) {
	s := []string{"a", "b", "c"}

	v, err := SafeIndex(s, 2)
	require.NoError(t, err)
	assert.Equal(t, "c", v)

	_, err = SafeIndex(s, 3)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	_, err = SafeIndex(s, -1)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	sub, err := SafeSlice(s, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, sub)

	_, err = SafeSlice(s, 2, 1)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestSliceString(t *testing.T) {
	s := "héllo"

	v, err := SliceString(s, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "h", v)

	v, err = SliceString(s, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, "é", v)

	_, err = SliceString(s, 2, 4)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = SliceString(s, 0, 100)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestValidUTF8(t *testing.T) {
	v, err := ValidUTF8([]byte("ok ✓"))
	require.NoError(t, err)
	assert.Equal(t, "ok ✓", v)

	_, err = ValidUTF8([]byte{'a', 'b', 0xff, 'c'})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidUTF8)
	assert.Contains(t, err.Error(), "byte 2")
}
