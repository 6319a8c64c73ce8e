package hufflz

import (
	"bytes"
	"fmt"

	"github.com/icza/bitio"
)

// Compress encodes src with a greedy longest-match search. The branch
// relocation for loadAddr is applied first, so Decompress with the same load
// address returns src.
func Compress(src []byte, loadAddr uint32) ([]byte, error) {
	data := bytes.Clone(src)
	Fix(data, loadAddr)

	var buf bytes.Buffer
	bw := bitio.NewWriter(&buf)

	for i := 0; i < len(data); {
		length, dist := longestMatch(data, i)
		if length >= MinMatch {
			literals.encode(bw, numLiterals+length-MinMatch)
			positions.encode(bw, dist>>posLowBits)
			bw.TryWriteBits(uint64(dist&(1<<posLowBits-1)), posLowBits)
			i += length
			continue
		}
		literals.encode(bw, int(data[i]))
		i++
	}

	if bw.TryError != nil {
		return nil, fmt.Errorf("failed to write bitstream: %v", bw.TryError)
	}
	if err := bw.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush bitstream: %v", err)
	}
	return buf.Bytes(), nil
}

// longestMatch returns the longest match for data[pos:] and its distance
// field (bytes back minus one). Matches may overlap pos.
func longestMatch(data []byte, pos int) (int, int) {
	var bestLen, bestDist int
	for dist := 0; dist < min(WindowSize, pos); dist++ {
		from := pos - dist - 1
		n := 0
		for n < MaxMatch && pos+n < len(data) && data[from+n] == data[pos+n] {
			n++
		}
		if n > bestLen {
			bestLen, bestDist = n, dist
			if n == MaxMatch {
				break
			}
		}
	}
	return bestLen, bestDist
}
