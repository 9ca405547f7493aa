package proxy

import (
	"io"
	"sync"
)

// tunnelBufferSize is the size of pooled copy buffers (32KB), matching
// the internal buffer size used by io.Copy.
const tunnelBufferSize = 32 * 1024

// tunnelBuffers holds reusable byte slices for splicing tunnel and
// response bytes, keeping per-connection copies off the GC.
var tunnelBuffers = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, tunnelBufferSize)
		return &buf
	},
}

// copyBuffer copies from src to dst using a pooled buffer. Drop-in
// replacement for io.Copy on the proxy's hot paths.
func copyBuffer(dst io.Writer, src io.Reader) (written int64, err error) {
	buf := tunnelBuffers.Get().(*[]byte)
	defer tunnelBuffers.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}
