// Package hufflz implements the Huffman coded LZSS codec used by optical drive
// and media player firmware modules.
//
// The stream is read MSB first. Each token starts with a symbol from the
// literal/length alphabet: symbols below 256 are literal bytes, the remaining
// 16 symbols encode a match of length sym-256+3. A match is followed by a
// position symbol giving the upper 6 bits of a 12 bit distance and 6 raw low
// bits. The copy source lies distance+1 bytes back in a 4096 byte window.
// There is no end-of-block symbol; decoding stops at the declared size.
package hufflz

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/icza/bitio"
)

const (
	// WindowSize is the size of the sliding window
	WindowSize = 4096
	// MinMatch is the shortest encodable match
	MinMatch = 3
	// MaxMatch is the longest encodable match
	MaxMatch = 18

	numLiterals  = 256
	numSymbols   = numLiterals + MaxMatch - MinMatch + 1
	numPositions = 64
	posLowBits   = 6
)

var (
	// ErrTruncated is returned when the bitstream ends before the declared size is produced.
	ErrTruncated = errors.New("hufflz: truncated bitstream")
	// ErrInvalidCode is returned when no symbol matches the next bits.
	ErrInvalidCode = errors.New("hufflz: invalid prefix code")
	// ErrChecksum is returned when the 8-bit checksum of the output does not match.
	ErrChecksum = errors.New("hufflz: checksum mismatch")
)

// Options describes a compressed module.
type Options struct {
	Size        int    // decompressed size
	LoadAddress uint32 // address the module is linked at
	Checksum    uint8  // expected 8-bit sum of the output
	Verify      bool   // compare Checksum against the output
}

// Decompress expands src, undoes the branch relocation and verifies the
// checksum. On ErrTruncated or ErrChecksum the (partial) output is returned
// together with the error.
func Decompress(src []byte, opts Options) ([]byte, error) {
	out, err := Expand(src, opts.Size)
	Unfix(out, opts.LoadAddress)
	if err != nil {
		return out, err
	}
	if opts.Verify {
		if sum := Checksum(out); sum != opts.Checksum {
			return out, fmt.Errorf("%w: computed %#02x, expected %#02x", ErrChecksum, sum, opts.Checksum)
		}
	}
	return out, nil
}

// Expand decodes the Huffman/LZSS stream until size bytes have been produced.
func Expand(src []byte, size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("hufflz: invalid output size %d", size)
	}

	br := bitio.NewReader(bytes.NewReader(src))
	out := make([]byte, 0, size)

	var window [WindowSize]byte
	r := 0

	for len(out) < size {
		sym, err := literals.decode(br)
		if err != nil {
			return out, streamError(err, len(out))
		}
		if sym < numLiterals {
			out = append(out, byte(sym))
			window[r] = byte(sym)
			r = (r + 1) & (WindowSize - 1)
			continue
		}

		length := int(sym-numLiterals) + MinMatch
		hi, err := positions.decode(br)
		if err != nil {
			return out, streamError(err, len(out))
		}
		lo, err := br.ReadBits(posLowBits)
		if err != nil {
			return out, streamError(err, len(out))
		}
		dist := int(hi)<<posLowBits | int(lo)

		for k := 0; k < length && len(out) < size; k++ {
			c := window[(r-dist-1)&(WindowSize-1)]
			out = append(out, c)
			window[r] = c
			r = (r + 1) & (WindowSize - 1)
		}
	}

	return out, nil
}

func streamError(err error, produced int) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w after %d bytes", ErrTruncated, produced)
	}
	return fmt.Errorf("%w after %d bytes", err, produced)
}

// Checksum returns the 8-bit additive sum of b.
func Checksum(b []byte) uint8 {
	var sum uint8
	for _, c := range b {
		sum += c
	}
	return sum
}
