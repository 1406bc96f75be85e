package triggerdaq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDBufferEvictsOldest(t *testing.T) {
	b := newIDBuffer(3)
	for i := uint64(1); i <= 3; i++ {
		_, evicted := b.Push(bufferEntry{seq: i, id: i * 10})
		assert.False(t, evicted)
	}
	require.True(t, b.Full())

	old, evicted := b.Push(bufferEntry{seq: 4, id: 40})
	require.True(t, evicted)
	assert.Equal(t, uint64(10), old.id)
	assert.Equal(t, []bufferEntry{{2, 20}, {3, 30}, {4, 40}}, b.Entries())
}

func TestIDBufferPopAndContains(t *testing.T) {
	b := newIDBuffer(2)
	_, ok := b.PopFront()
	assert.False(t, ok)

	b.Push(bufferEntry{seq: 7, id: 1})
	b.Push(bufferEntry{seq: 8, id: 1})
	assert.True(t, b.Contains(7))
	assert.True(t, b.Contains(8))

	e, ok := b.PopFront()
	require.True(t, ok)
	assert.Equal(t, uint64(7), e.seq)
	assert.False(t, b.Contains(7))
	assert.Equal(t, 1, b.Len())

	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Entries())
}

func TestIDBufferMinimumCapacity(t *testing.T) {
	b := newIDBuffer(0)
	assert.Equal(t, 1, b.Cap())
}
