package sparse

import (
	"errors"
	"fmt"
	"io"
)

// ErrTooLarge is returned when a Buffer would grow past its limit.
var ErrTooLarge = errors.New("sparse: image exceeds buffer limit")

// Buffer is an in-memory Output holding at most limit bytes.
type Buffer struct {
	buf   []byte
	off   int64
	limit int64
}

// NewBuffer returns a Buffer that refuses to grow past limit bytes.
func NewBuffer(limit int64) *Buffer {
	return &Buffer{limit: limit}
}

func (b *Buffer) Write(p []byte) (int, error) {
	end := b.off + int64(len(p))
	if end > int64(len(b.buf)) {
		if err := b.Truncate(end); err != nil {
			return 0, err
		}
	}
	copy(b.buf[b.off:], p)
	b.off = end
	return len(p), nil
}

func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.off + offset
	case io.SeekEnd:
		abs = int64(len(b.buf)) + offset
	default:
		return 0, errors.New("sparse: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("sparse: negative position")
	}
	b.off = abs
	return abs, nil
}

// Truncate changes the length of the buffer; growing it appends zeros.
func (b *Buffer) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("sparse: invalid size %d", size)
	}
	if size > b.limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, size, b.limit)
	}
	if size <= int64(len(b.buf)) {
		b.buf = b.buf[:size]
		return nil
	}
	b.buf = append(b.buf, make([]byte, size-int64(len(b.buf)))...)
	return nil
}

// Bytes returns the buffer contents.
func (b *Buffer) Bytes() []byte {
	return b.buf
}
