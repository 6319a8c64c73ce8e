package formats

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/edsrzf/mmap-go"
)

// Input is a firmware file held entirely in memory.
type Input struct {
	Name string

	data []byte
	m    mmap.MMap
	f    *os.File
}

// Open maps the file at name read-only, falling back to reading it when it
// cannot be mapped.
func Open(name string) (*Input, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		log.WithError(err).Debug("mmap failed, reading input into memory")
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, err
		}
		return NewInput(name, data), nil
	}
	return &Input{Name: name, data: m, m: m, f: f}, nil
}

// NewInput wraps data that is already in memory.
func NewInput(name string, data []byte) *Input {
	return &Input{Name: name, data: data}
}

// Close releases the mapping.
func (in *Input) Close() error {
	if in.m == nil {
		return nil
	}
	if err := in.m.Unmap(); err != nil {
		return fmt.Errorf("failed to unmap %s: %v", in.Name, err)
	}
	in.m = nil
	in.data = nil
	return in.f.Close()
}

// Bytes returns the whole input. The slice must not be modified.
func (in *Input) Bytes() []byte {
	return in.data
}

// Size returns the input length.
func (in *Input) Size() int64 {
	return int64(len(in.data))
}

// ReadAt implements io.ReaderAt.
func (in *Input) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= int64(len(in.data)) {
		return 0, io.EOF
	}
	n := copy(p, in.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Slice returns n bytes at off.
func (in *Input) Slice(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > int64(len(in.data)) {
		return nil, fmt.Errorf("range %#x+%#x outside of input (%#x bytes)", off, n, len(in.data))
	}
	return in.data[off : off+n], nil
}

// HasPrefix reports whether the input starts with magic at off.
func (in *Input) HasPrefix(magic []byte, off int64) bool {
	b, err := in.Slice(off, int64(len(magic)))
	return err == nil && bytes.Equal(b, magic)
}

// Base returns the input file name without directory and extension.
func (in *Input) Base() string {
	base := filepath.Base(in.Name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
