// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

// BytePool recycles fixed-size I/O buffers.
type BytePool struct {
	pool *SyncPool[*[]byte]
	size int
}

func NewBytePool(size int) *BytePool {
	return &BytePool{
		pool: NewSyncPool(func() *[]byte {
			b := make([]byte, size)
			return &b
		}),
		size: size,
	}
}

// GetBuffer returns a buffer of the pool size.
func (b *BytePool) GetBuffer() []byte {
	return (*b.pool.Get())[:b.size]
}

// PutBuffer returns a buffer to the pool. Foreign-sized buffers are dropped.
func (b *BytePool) PutBuffer(buf []byte) {
	if cap(buf) < b.size {
		return
	}
	buf = buf[:b.size]
	b.pool.Put(&buf)
}

// Size returns the buffer size.
func (b *BytePool) Size() int { return b.size }
