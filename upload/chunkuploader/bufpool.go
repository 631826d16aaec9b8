package chunkuploader

import (
	"sync"
)

// bufferPool hands out chunk buffers of a fixed size so consecutive windows reuse one allocation.
type bufferPool struct {
	pool    sync.Pool
	bufSize int64
}

func newBufferPool(bufSize int64) *bufferPool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	return &bufferPool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, bufSize)
			},
		},
	}
}

func (p *bufferPool) Get() []byte {
	buf := p.pool.Get().([]byte)
	if int64(cap(buf)) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns buf for reuse. Buffers smaller than the pool size are dropped.
func (p *bufferPool) Put(buf []byte) {
	if buf == nil || int64(cap(buf)) < p.bufSize {
		return
	}
	p.pool.Put(buf[:cap(buf)]) //nolint:staticcheck
}
