package hufflz

import "github.com/icza/bitio"

const maxCodeLen = 10

// table is a canonical prefix code. Decoding walks the code one bit at a time
// and looks the (length, code) pair up in the per-length first/count arrays.
type table struct {
	count   [maxCodeLen + 1]uint16
	first   [maxCodeLen + 1]uint16
	offset  [maxCodeLen + 1]uint16
	symbols []uint16
	codes   []uint16
	lens    []uint8
}

func newTable(lens []uint8) *table {
	t := &table{
		symbols: make([]uint16, 0, len(lens)),
		codes:   make([]uint16, len(lens)),
		lens:    lens,
	}
	for _, l := range lens {
		t.count[l]++
	}
	var code, idx uint16
	for l := 1; l <= maxCodeLen; l++ {
		code = (code + t.count[l-1]) << 1
		t.first[l] = code
		t.offset[l] = idx
		idx += t.count[l]
	}
	next := t.first
	for l := uint8(1); l <= maxCodeLen; l++ {
		for sym, sl := range lens {
			if sl != l {
				continue
			}
			t.symbols = append(t.symbols, uint16(sym))
			t.codes[sym] = next[l]
			next[l]++
		}
	}
	return t
}

func (t *table) decode(br *bitio.Reader) (uint16, error) {
	var code uint16
	for l := 1; l <= maxCodeLen; l++ {
		bit, err := br.ReadBool()
		if err != nil {
			return 0, err
		}
		code <<= 1
		if bit {
			code |= 1
		}
		if code >= t.first[l] && code-t.first[l] < t.count[l] {
			return t.symbols[t.offset[l]+code-t.first[l]], nil
		}
	}
	return 0, ErrInvalidCode
}

func (t *table) encode(bw *bitio.Writer, sym int) {
	bw.TryWriteBits(uint64(t.codes[sym]), t.lens[sym])
}

// literal/length alphabet: 256 literals followed by 16 match lengths
var literals = newTable(func() []uint8 {
	lens := make([]uint8, numSymbols)
	for sym := range lens {
		switch {
		case sym >= numLiterals:
			lens[sym] = 5
		case sym == 0x00, sym == 0xFF:
			lens[sym] = 6
		case sym <= 0xE2:
			lens[sym] = 9
		default:
			lens[sym] = 10
		}
	}
	return lens
}())

// position alphabet: upper 6 bits of the match distance
var positions = newTable(func() []uint8 {
	lens := make([]uint8, numPositions)
	for sym := range lens {
		switch {
		case sym == 0:
			lens[sym] = 3
		case sym < 4:
			lens[sym] = 4
		case sym < 12:
			lens[sym] = 5
		case sym < 24:
			lens[sym] = 6
		case sym < 48:
			lens[sym] = 7
		default:
			lens[sym] = 8
		}
	}
	return lens
}())
