package commitlog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncLog_InOrder(t *testing.T) {
	l := NewAsyncLog[string](0)

	require.NoError(t, l.Insert(0, "a"))
	require.NoError(t, l.Insert(1, "b"))
	require.NoError(t, l.Insert(2, "c"))

	for i, want := range []string{"a", "b", "c"} {
		require.True(t, l.HasNext())
		pos, item, err := l.Next()
		require.NoError(t, err)
		assert.Equal(t, uint32(i), pos)
		assert.Equal(t, want, item)
	}
	assert.False(t, l.HasNext())
}

func TestAsyncLog_Gap(t *testing.T) {
	l := NewAsyncLog[int](0)

	require.NoError(t, l.Insert(0, 100))
	require.NoError(t, l.Insert(2, 102))
	require.NoError(t, l.Insert(3, 103))

	require.True(t, l.HasNext())
	pos, item, err := l.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), pos)
	assert.Equal(t, 100, item)

	// Stalls at the gap.
	assert.False(t, l.HasNext())
	_, _, err = l.Next()
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, l.Insert(1, 101))
	for want := uint32(1); want <= 3; want++ {
		pos, item, err := l.Next()
		require.NoError(t, err)
		assert.Equal(t, want, pos)
		assert.Equal(t, int(100+want), item)
	}
}

func TestAsyncLog_LateInsertIsNoop(t *testing.T) {
	l := NewAsyncLog[int](0)

	require.NoError(t, l.Insert(0, 1))
	_, _, err := l.Next()
	require.NoError(t, err)

	// Position 0 is behind the read head now.
	assert.NoError(t, l.Insert(0, 99))
	assert.False(t, l.HasNext())
	assert.Equal(t, 0, l.Len())
}

func TestAsyncLog_DuplicatePosition(t *testing.T) {
	l := NewAsyncLog[int](0)

	require.NoError(t, l.Insert(5, 1))
	err := l.Insert(5, 2)
	assert.True(t, errors.Is(err, ErrDuplicatePosition))
}

func TestAsyncLog_StartFrom(t *testing.T) {
	l := NewAsyncLog[int](10)

	// Everything below the start position is dropped.
	require.NoError(t, l.Insert(3, 1))
	assert.False(t, l.HasNext())

	require.NoError(t, l.Insert(10, 2))
	require.True(t, l.HasNext())

	item, err := l.Peek()
	require.NoError(t, err)
	assert.Equal(t, 2, item)

	pos, item, err := l.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(10), pos)
	assert.Equal(t, 2, item)
	assert.Equal(t, uint32(11), l.NextPosition())
}

func TestAsyncLog_PeekEmpty(t *testing.T) {
	l := NewAsyncLog[int](0)
	_, err := l.Peek()
	assert.ErrorIs(t, err, ErrEmpty)
}
