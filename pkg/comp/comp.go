// Package comp decodes the payload compressions found in firmware containers.
package comp

import (
	"errors"
	"fmt"
)

// Algorithm is the compression algorithm type
type Algorithm uint

const (
	NONE Algorithm = iota
	GZIP
	ZLIB
	LZMA
	XZ
	LZ4
	LZO
	ZSTD
	LZSS
	HUFFLZ
	SPARSE
)

// ErrUnknownAlgorithm is returned for algorithms this package cannot decode.
var ErrUnknownAlgorithm = errors.New("unknown compression algorithm")

func (a Algorithm) String() string {
	switch a {
	case NONE:
		return "none"
	case GZIP:
		return "gzip"
	case ZLIB:
		return "zlib"
	case LZMA:
		return "lzma"
	case XZ:
		return "xz"
	case LZ4:
		return "lz4"
	case LZO:
		return "lzo"
	case ZSTD:
		return "zstd"
	case LZSS:
		return "lzss"
	case HUFFLZ:
		return "hufflz"
	case SPARSE:
		return "sparse"
	default:
		return fmt.Sprintf("unknown(%d)", a)
	}
}

// Lookup returns the algorithm with the given name.
func Lookup(name string) (Algorithm, error) {
	for _, a := range all {
		if a.String() == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, name)
}

var all = []Algorithm{NONE, GZIP, ZLIB, LZMA, XZ, LZ4, LZO, ZSTD, LZSS, HUFFLZ, SPARSE}

// Algorithms returns the names of all supported algorithms.
func Algorithms() []string {
	names := make([]string, 0, len(all))
	for _, a := range all {
		names = append(names, a.String())
	}
	return names
}

// Magic returns the bytes a stream of the given algorithm starts with, or nil
// when the algorithm has no usable magic.
func Magic(a Algorithm) []byte {
	switch a {
	case GZIP:
		return []byte{0x1f, 0x8b}
	case ZLIB:
		return []byte{0x78}
	case LZMA:
		return []byte{0x5d, 0x00, 0x00}
	case XZ:
		return []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	case ZSTD:
		return []byte{0x28, 0xb5, 0x2f, 0xfd}
	case LZSS:
		return []byte("complzss")
	case SPARSE:
		return []byte{0x3a, 0xff, 0x26, 0xed}
	default:
		return nil
	}
}

// SideInfo carries what a codec needs beyond the payload itself.
type SideInfo struct {
	Size        int    // expected decompressed size, 0 when unknown
	LoadAddress uint32 // link address for branch relocation
	Checksum    uint8  // expected 8-bit checksum
	HasChecksum bool
}

// CodecError is returned when a payload fails to decode. Data holds whatever
// output the codec produced before failing.
type CodecError struct {
	Algorithm Algorithm
	Err       error
	Data      []byte
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s decode failed: %v", e.Algorithm, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// IsCodecError reports whether err is or wraps a *CodecError.
func IsCodecError(err error) bool {
	var ce *CodecError
	return errors.As(err, &ce)
}

// Decode decodes data using the specified algorithm. Every failure is a
// *CodecError; the partial output is returned alongside it.
func Decode(a Algorithm, data []byte, side SideInfo) ([]byte, error) {
	out, err := decode(a, data, side)
	if err != nil {
		return out, &CodecError{Algorithm: a, Err: err, Data: out}
	}
	return out, nil
}

// Compress compresses the given data using the specified algorithm.
func Compress(data []byte, algorithm Algorithm) ([]byte, error) {
	return compress(data, algorithm)
}
