package sliq

import (
	"sync"
	"sync/atomic"

	"github.com/go-i2p/go-sliq/internal/wire"
)

// Buffer is a packet buffer handed out by a BufferPool. It has one owner
// unless Clone shares it; every owner calls Release exactly once.
type Buffer struct {
	data []byte
	refs atomic.Int32
	pool *BufferPool
}

// Bytes returns the buffer contents.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the length of the contents.
func (b *Buffer) Len() int { return len(b.data) }

// SetLen resizes the contents to n bytes, within the buffer capacity.
func (b *Buffer) SetLen(n int) { b.data = b.data[:n] }

// Full returns the whole capacity for reading a datagram into.
func (b *Buffer) Full() []byte { return b.data[:cap(b.data)] }

// BufferPool hands out packet sized buffers to the manager's reader and to
// the streams' transmit queues. It is safe for concurrent use. A positive
// limit bounds the number of buffers outstanding at once.
type BufferPool struct {
	pool        sync.Pool
	limit       int64
	outstanding atomic.Int64
}

// NewBufferPool creates a pool of MaxPacketSize buffers. A limit of zero or
// less means unbounded.
func NewBufferPool(limit int) *BufferPool {
	p := &BufferPool{limit: int64(limit)}
	p.pool.New = func() any {
		return &Buffer{data: make([]byte, 0, wire.MaxPacketSize)}
	}
	return p
}

// Acquire returns an empty buffer, or ErrResourceExhausted when the limit is
// reached.
func (p *BufferPool) Acquire() (*Buffer, error) {
	if n := p.outstanding.Add(1); p.limit > 0 && n > p.limit {
		p.outstanding.Add(-1)
		return nil, ErrResourceExhausted
	}
	b := p.pool.Get().(*Buffer)
	b.data = b.data[:0]
	b.refs.Store(1)
	b.pool = p
	return b, nil
}

// Clone shares b with one more owner.
func (p *BufferPool) Clone(b *Buffer) *Buffer {
	b.refs.Add(1)
	return b
}

// Release drops one reference; the last one returns b to the pool.
func (p *BufferPool) Release(b *Buffer) {
	if b == nil {
		return
	}
	refs := b.refs.Add(-1)
	if refs < 0 {
		panic("sliq: buffer released more often than acquired")
	}
	if refs > 0 {
		return
	}
	p.outstanding.Add(-1)
	p.pool.Put(b)
}

// Outstanding returns the number of buffers currently acquired.
func (p *BufferPool) Outstanding() int { return int(p.outstanding.Load()) }
