package sliq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-sliq/internal/wire"
)

// TestBufferPoolLimit verifies that a bounded pool refuses buffers beyond
// its limit until one is released.
func TestBufferPoolLimit(t *testing.T) {
	p := NewBufferPool(2)
	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)

	_, err = p.Acquire()
	require.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, 2, p.Outstanding())

	p.Release(a)
	c, err := p.Acquire()
	require.NoError(t, err)
	assert.Zero(t, c.Len(), "a recycled buffer comes back empty")
	assert.Equal(t, wire.MaxPacketSize, len(c.Full()))

	p.Release(b)
	p.Release(c)
	assert.Zero(t, p.Outstanding())
}

// TestBufferPoolClone verifies that a shared buffer returns to the pool only
// after every owner released it.
func TestBufferPoolClone(t *testing.T) {
	p := NewBufferPool(0)
	b, err := p.Acquire()
	require.NoError(t, err)
	copy(b.Full(), "hello")
	b.SetLen(5)

	shared := p.Clone(b)
	p.Release(b)
	assert.Equal(t, 1, p.Outstanding())
	assert.Equal(t, []byte("hello"), shared.Bytes())

	p.Release(shared)
	assert.Zero(t, p.Outstanding())
	assert.Panics(t, func() { p.Release(shared) })
}

func TestBufferPoolReleaseNil(t *testing.T) {
	p := NewBufferPool(1)
	assert.NotPanics(t, func() { p.Release(nil) })
	assert.Zero(t, p.Outstanding())
}
