package ordered

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAtMiddleAndRemoveRestores(t *testing.T) {
	base := List{"a", "b", "c"}
	got, err := base.Insert("n", 2)
	require.NoError(t, err)
	assert.Equal(t, List{"a", "b", "n", "c"}, got)
	assert.Equal(t, map[string]int{"a": 0, "b": 1, "n": 2, "c": 3}, got.Positions())

	back, idx, err := got.Remove("n")
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
	assert.Equal(t, base, back)
}

func TestInsertBounds(t *testing.T) {
	base := List{"a", "b"}
	_, err := base.Insert("x", 2)
	require.NoError(t, err)

	_, err = base.Insert("x", 3)
	var oor OutOfRangeError
	require.True(t, errors.As(err, &oor))
	assert.Equal(t, 2, oor.Max)

	_, err = base.Insert("x", -1)
	require.Error(t, err)
}

func TestMoveShiftsIntermediates(t *testing.T) {
	base := List{"a", "b", "c", "d"}

	down, err := base.Move("a", 2)
	require.NoError(t, err)
	assert.Equal(t, List{"b", "c", "a", "d"}, down)

	up, err := base.Move("d", 1)
	require.NoError(t, err)
	assert.Equal(t, List{"a", "d", "b", "c"}, up)

	_, err = base.Move("a", 4)
	require.Error(t, err)
	_, err = base.Move("zz", 0)
	var unknown UnknownIDError
	require.True(t, errors.As(err, &unknown))
}

func TestFromPositionsAndChanged(t *testing.T) {
	prev := map[string]int{"b": 1, "a": 0, "c": 2}
	l := FromPositions(prev)
	assert.Equal(t, List{"a", "b", "c"}, l)

	next, err := l.Insert("n", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"n": 1, "b": 2, "c": 3}, Changed(prev, next))
}

func TestCheckContiguous(t *testing.T) {
	assert.NoError(t, CheckContiguous(nil))
	assert.NoError(t, CheckContiguous([]int{2, 0, 1}))
	assert.Error(t, CheckContiguous([]int{0, 2}))
	assert.Error(t, CheckContiguous([]int{0, 1, 1}))
}
