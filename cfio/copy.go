// Package cfio provides pooled-buffer byte copying for the proxy data path.
package cfio

import (
	"io"
	"net/http"
	"sync"
)

const defaultBufferSize = 16 * 1024

var bufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, defaultBufferSize)
	},
}

// Copy is io.Copy with a pooled buffer. The buffer is only used when neither
// side can short-circuit the copy itself.
func Copy(dst io.Writer, src io.Reader) (written int64, err error) {
	_, okWriteTo := src.(io.WriterTo)
	_, okReadFrom := dst.(io.ReaderFrom)
	var buffer []byte = nil

	if !(okWriteTo || okReadFrom) {
		buffer = bufferPool.Get().([]byte)
		defer bufferPool.Put(buffer)
	}

	return io.CopyBuffer(dst, src, buffer)
}

// CopyAndFlush copies src into dst, flushing after every chunk when dst is an
// http.Flusher. Streaming response bodies (SSE, chunked uploads) must reach
// the public caller without waiting for the server's write buffer to fill.
func CopyAndFlush(dst io.Writer, src io.Reader) (written int64, err error) {
	flusher, ok := dst.(http.Flusher)
	if !ok {
		return Copy(dst, src)
	}

	buffer := bufferPool.Get().([]byte)
	defer bufferPool.Put(buffer)

	for {
		nr, rerr := src.Read(buffer)
		if nr > 0 {
			nw, werr := dst.Write(buffer[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw < nr {
				return written, io.ErrShortWrite
			}
			flusher.Flush()
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}
