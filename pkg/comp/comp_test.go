package comp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/adler32"
	"testing"

	"github.com/blacktop/fwextract/pkg/hufflz"
	"github.com/blacktop/fwextract/pkg/sparse"
)

var sample = bytes.Repeat([]byte("firmware module payload 0123456789 "), 64)

func TestRoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{NONE, GZIP, ZLIB, LZMA, XZ, LZ4, LZO, ZSTD, LZSS, HUFFLZ} {
		t.Run(alg.String(), func(t *testing.T) {
			enc, err := Compress(sample, alg)
			if err != nil {
				t.Fatalf("Compress() error = %v", err)
			}
			if m := Magic(alg); m != nil && !bytes.HasPrefix(enc, m) {
				t.Errorf("compressed stream does not start with %x", m)
			}
			got, err := Decode(alg, enc, SideInfo{Size: len(sample), Checksum: hufflz.Checksum(sample), HasChecksum: true})
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !bytes.Equal(got, sample) {
				t.Errorf("Decode() returned %d bytes, want %d", len(got), len(sample))
			}
		})
	}
}

func TestLookup(t *testing.T) {
	for _, name := range Algorithms() {
		a, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q) error = %v", name, err)
		}
		if a.String() != name {
			t.Errorf("Lookup(%q) = %s", name, a)
		}
	}
	if _, err := Lookup("lzfse"); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Errorf("Lookup(lzfse) error = %v, want %v", err, ErrUnknownAlgorithm)
	}
}

func lzoLiterals(lit []byte) []byte {
	// first byte 17+n copies n literals, 0x11 0x00 0x00 ends the stream
	return append(append([]byte{byte(17 + len(lit))}, lit...), 0x11, 0x00, 0x00)
}

func lzoBlock(ulen, clen, sum uint32, payload []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, lzoBlockHeader{ulen, clen, sum})
	buf.Write(payload)
	return buf.Bytes()
}

func TestDecodeLZO(t *testing.T) {
	lit := []byte("twenty literal bytes")
	stored := []byte("stored block")
	end := []byte{0, 0, 0, 0}

	tests := []struct {
		name     string
		data     []byte
		want     []byte
		wantPart []byte
		wantErr  bool
	}{
		{
			name: "compressed and stored blocks",
			data: bytes.Join([][]byte{
				lzoBlock(uint32(len(lit)), uint32(len(lzoLiterals(lit))), adler32.Checksum(lit), lzoLiterals(lit)),
				lzoBlock(uint32(len(stored)), uint32(len(stored)), adler32.Checksum(stored), stored),
				end,
			}, nil),
			want: append(bytes.Clone(lit), stored...),
		},
		{
			name: "compressed block larger than its output",
			data: bytes.Join([][]byte{
				lzoBlock(4, uint32(len(lzoLiterals([]byte("abcd")))), adler32.Checksum([]byte("abcd")), lzoLiterals([]byte("abcd"))),
				end,
			}, nil),
			want: []byte("abcd"),
		},
		{
			name: "adler32 mismatch keeps earlier blocks",
			data: bytes.Join([][]byte{
				lzoBlock(uint32(len(stored)), uint32(len(stored)), adler32.Checksum(stored), stored),
				lzoBlock(uint32(len(stored)), uint32(len(stored)), 0xdeadbeef, stored),
				end,
			}, nil),
			wantPart: stored,
			wantErr:  true,
		},
		{
			name:     "truncated block",
			data:     lzoBlock(100, 50, 0, []byte("short")),
			wantPart: nil,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(LZO, tt.data, SideInfo{})
			if tt.wantErr {
				var ce *CodecError
				if !errors.As(err, &ce) {
					t.Fatalf("Decode() error = %v, want *CodecError", err)
				}
				if !bytes.Equal(ce.Data, tt.wantPart) {
					t.Errorf("partial output = %q, want %q", ce.Data, tt.wantPart)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Decode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeLZSSBackReference(t *testing.T) {
	// three literals then a 3 byte copy from the start of the window (0xFEE)
	payload := []byte{0x07, 'A', 'B', 'C', 0xEE, 0xF0}
	hdr := LzssHeader{
		CompressionType:  lzssCompressionType,
		Signature:        lzssSignature,
		UncompressedSize: 6,
		CompressedSize:   uint32(len(payload)),
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, hdr)
	buf.Write(payload)

	got, err := Decode(LZSS, buf.Bytes(), SideInfo{})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if string(got) != "ABCABC" {
		t.Errorf("Decode() = %q, want ABCABC", got)
	}
}

func TestCodecErrors(t *testing.T) {
	tests := []struct {
		name string
		alg  Algorithm
		data []byte
		side SideInfo
	}{
		{"gzip garbage", GZIP, []byte("not gzip"), SideInfo{}},
		{"xz garbage", XZ, []byte("not xz at all"), SideInfo{}},
		{"lz4 without size", LZ4, []byte{0x10, 'a'}, SideInfo{}},
		{"hufflz checksum", HUFFLZ, []byte{0xa8, 0x54, 0x6a, 0x43, 0x01, 0x00}, SideInfo{Size: 9, Checksum: 1, HasChecksum: true}},
		{"unknown algorithm", Algorithm(99), []byte{1}, SideInfo{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.alg, tt.data, tt.side)
			if !IsCodecError(err) {
				t.Errorf("Decode() error = %v, want *CodecError", err)
			}
		})
	}

	_, err := Decode(HUFFLZ, []byte{0xa8, 0x54, 0x6a, 0x43, 0x01, 0x00}, SideInfo{Size: 9, Checksum: 1, HasChecksum: true})
	var ce *CodecError
	if errors.As(err, &ce) && string(ce.Data) != "ABCABCABC" {
		t.Errorf("hufflz partial data = %q, want ABCABCABC", ce.Data)
	}
	if !errors.Is(err, hufflz.ErrChecksum) {
		t.Errorf("error %v does not wrap hufflz.ErrChecksum", err)
	}
}

func sparseHeader(blockSize, totalBlocks uint32) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, sparse.Header{
		Magic:           sparse.Magic,
		MajorVersion:    1,
		FileHeaderSize:  28,
		ChunkHeaderSize: 12,
		BlockSize:       blockSize,
		TotalBlocks:     totalBlocks,
	})
	return buf.Bytes()
}

func TestDeclaredSizeIsBounded(t *testing.T) {
	tests := []struct {
		name    string
		alg     Algorithm
		data    []byte
		side    SideInfo
		wantErr error
	}{
		{
			name:    "sparse image larger than any buffer",
			alg:     SPARSE,
			data:    sparseHeader(65536, 0xFFFFFFFF),
			wantErr: sparse.ErrTooLarge,
		},
		{
			name:    "sparse image larger than the expected size",
			alg:     SPARSE,
			data:    sparseHeader(4096, 4),
			side:    SideInfo{Size: 4096},
			wantErr: sparse.ErrTooLarge,
		},
		{
			name: "lz4 block declaring more than the limit",
			alg:  LZ4,
			data: []byte{0x10, 'a'},
			side: SideInfo{Size: maxDecodedSize + 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.alg, tt.data, tt.side)
			if !IsCodecError(err) {
				t.Fatalf("Decode() error = %v, want *CodecError", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	out, err := Decode(SPARSE, sparseHeader(4096, 2), SideInfo{Size: 8192})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(out) != 8192 {
		t.Errorf("Decode() = %d bytes, want 8192", len(out))
	}
}
