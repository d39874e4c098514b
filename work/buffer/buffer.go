package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// Pool hands out reusable byte buffers for response bodies. Playlists are a
// few kilobytes and segments a few megabytes, so buffers are pre-grown to a
// configurable floor and otherwise left to bytebufferpool's calibration.
type Pool struct {
	pool    bytebufferpool.Pool
	initial int
}

// NewPool creates a pool whose buffers start with at least initial bytes of
// capacity.
func NewPool(initial int) *Pool {
	return &Pool{initial: initial}
}

// Get returns an empty buffer.
func (p *Pool) Get() *bytebufferpool.ByteBuffer {
	buf := p.pool.Get()
	buf.Reset()
	if cap(buf.B) < p.initial {
		buf.B = make([]byte, 0, p.initial)
	}
	return buf
}

// Put gives a buffer back. The caller must not touch buf afterwards.
func (p *Pool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		p.pool.Put(buf)
	}
}
