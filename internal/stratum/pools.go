// Package stratum implements the pool side of the stratum mining protocol:
// line framing, per-connection sessions, share validation against cached
// jobs, and job broadcast to subscribed miners.
package stratum

import (
	"sync"
)

const readBufferSize = 4096

// readBufferPool reuses the per-read scratch buffers of session read loops
var readBufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, readBufferSize)
		return &buf
	},
}

func getReadBuffer() *[]byte {
	return readBufferPool.Get().(*[]byte)
}

func putReadBuffer(buf *[]byte) {
	if buf != nil && cap(*buf) == readBufferSize {
		readBufferPool.Put(buf)
	}
}
