package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingPushPopOrder(t *testing.T) {
	t.Parallel()

	r := New[int](3)
	require.True(t, r.Empty())
	require.Equal(t, 3, r.Cap())

	for i := 1; i <= 3; i++ {
		require.True(t, r.Push(i))
	}
	require.True(t, r.Full())
	assert.Equal(t, 1, r.Front())
	assert.Equal(t, 3, r.At(2))

	assert.Equal(t, 1, r.Pop())
	assert.Equal(t, 2, r.Pop())
	assert.Equal(t, 1, r.Len())
}

func TestRingPushFullFails(t *testing.T) {
	t.Parallel()

	r := New[string](2)
	require.True(t, r.Push("a"))
	require.True(t, r.Push("b"))
	require.False(t, r.Push("c"), "push on full ring must fail")
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, "a", r.Front())
}

func TestRingWrapAround(t *testing.T) {
	t.Parallel()

	r := New[int](4)
	next := 0
	for round := 0; round < 10; round++ {
		for r.Push(next) {
			next++
		}
		// Drain half so head walks around the backing array.
		r.Pop()
		r.Pop()
	}

	want := next - r.Len()
	for !r.Empty() {
		assert.Equal(t, want, r.Pop())
		want++
	}
}

func TestRingClear(t *testing.T) {
	t.Parallel()

	r := New[*int](2)
	v := 7
	r.Push(&v)
	r.Push(&v)
	r.Clear()
	require.True(t, r.Empty())
	require.True(t, r.Push(&v))
}

func TestRingEmptyPanics(t *testing.T) {
	t.Parallel()

	r := New[int](1)
	assert.Panics(t, func() { r.Pop() })
	assert.Panics(t, func() { r.Front() })
	assert.Panics(t, func() { New[int](0) })
}
