package storage

import (
	"bytes"
	"io"
	"sync"
)

// Buffer accumulates an object in memory before it is uploaded and tracks how
// many bytes have been written so writers can roll files at a target size.
type Buffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	written int64
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.buf.Write(p)
	b.written += int64(n)
	return n, err
}

func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// Reader snapshots the current contents.
func (b *Buffer) Reader() io.Reader {
	return bytes.NewReader(b.Bytes())
}

func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
	b.written = 0
}
