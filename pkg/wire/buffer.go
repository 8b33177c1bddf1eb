package wire

import (
	"bytes"
	"sync"
)

// pooledBufferCeiling is the largest buffer PutBuffer will keep around;
// anything bigger (a one-off oversized frame) is left for GC instead of
// pinning memory in the pool.
const pooledBufferCeiling = 64 * 1024

var marshalBufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// GetBuffer borrows a reset *bytes.Buffer for a Marshal call.
func GetBuffer() *bytes.Buffer {
	buf := marshalBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns buf to the pool once its contents have been copied out.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= pooledBufferCeiling {
		marshalBufPool.Put(buf)
	}
}
