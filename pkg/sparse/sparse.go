// Package sparse reconstructs flat images from Android sparse images.
package sparse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/apex/log"
)

// Magic is the little-endian magic of a sparse image.
const Magic uint32 = 0xED26FF3A

const (
	fileHeaderSize  = 28
	chunkHeaderSize = 12
	majorVersion    = 1
)

var (
	// ErrInvalidMagic is returned when the input is not a sparse image.
	ErrInvalidMagic = errors.New("sparse: invalid magic")
	// ErrUnsupportedVersion is returned for major versions other than 1.
	ErrUnsupportedVersion = errors.New("sparse: unsupported version")
	// ErrInvalidChunk is returned for unknown chunk types and inconsistent chunk sizes.
	ErrInvalidChunk = errors.New("sparse: invalid chunk")
	// ErrChecksum is returned when a CRC32 chunk does not match the output.
	ErrChecksum = errors.New("sparse: crc32 mismatch")
)

// ChunkType is the type of a sparse chunk.
type ChunkType uint16

const (
	ChunkRaw      ChunkType = 0xCAC1
	ChunkFill     ChunkType = 0xCAC2
	ChunkDontCare ChunkType = 0xCAC3
	ChunkCRC32    ChunkType = 0xCAC4
)

func (t ChunkType) String() string {
	switch t {
	case ChunkRaw:
		return "RAW"
	case ChunkFill:
		return "FILL"
	case ChunkDontCare:
		return "DONT_CARE"
	case ChunkCRC32:
		return "CRC32"
	default:
		return fmt.Sprintf("UNKNOWN(%#x)", uint16(t))
	}
}

// Header is the sparse image file header.
type Header struct {
	Magic           uint32
	MajorVersion    uint16
	MinorVersion    uint16
	FileHeaderSize  uint16
	ChunkHeaderSize uint16
	BlockSize       uint32
	TotalBlocks     uint32
	TotalChunks     uint32
	ImageChecksum   uint32
}

// Size is the length of the reconstructed image.
func (h Header) Size() int64 {
	return int64(h.TotalBlocks) * int64(h.BlockSize)
}

// ChunkHeader precedes every chunk.
type ChunkHeader struct {
	Type      ChunkType
	Reserved  uint16
	ChunkSize uint32 // in blocks of the output image
	TotalSize uint32 // in bytes of the input, header included
}

// Output is where the image is reconstructed. *os.File and *Buffer satisfy it.
type Output interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
}

// IsSparse reports whether data starts with a sparse image header.
func IsSparse(data []byte) bool {
	return len(data) >= fileHeaderSize && binary.LittleEndian.Uint32(data) == Magic
}

// ReadHeader reads and validates the file header.
func ReadHeader(r io.Reader) (*Header, error) {
	var hdr Header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read sparse header: %w", err)
	}
	if hdr.Magic != Magic {
		return nil, fmt.Errorf("%w: %#08x", ErrInvalidMagic, hdr.Magic)
	}
	if hdr.MajorVersion != majorVersion {
		return nil, fmt.Errorf("%w: %d.%d", ErrUnsupportedVersion, hdr.MajorVersion, hdr.MinorVersion)
	}
	if hdr.FileHeaderSize < fileHeaderSize || hdr.ChunkHeaderSize < chunkHeaderSize {
		return nil, fmt.Errorf("sparse: header sizes too small: file=%d chunk=%d", hdr.FileHeaderSize, hdr.ChunkHeaderSize)
	}
	if hdr.BlockSize == 0 || hdr.BlockSize%4 != 0 {
		return nil, fmt.Errorf("sparse: invalid block size %d", hdr.BlockSize)
	}
	return &hdr, nil
}

type reconstructor struct {
	hdr *Header
	r   io.Reader
	w   Output
	crc hash.Hash32
	off int64 // input offset
}

// Reconstruct reads a sparse image from r and writes the flat image to w,
// which must be positioned at the start of an empty output. Chunks are applied
// strictly in order; the output is finally truncated to TotalBlocks*BlockSize.
func Reconstruct(r io.Reader, w Output) (*Header, error) {
	hdr, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	rc := &reconstructor{hdr: hdr, r: r, w: w, crc: crc32.NewIEEE(), off: fileHeaderSize}
	if err := rc.skip(int64(hdr.FileHeaderSize) - fileHeaderSize); err != nil {
		return hdr, err
	}

	log.WithFields(log.Fields{
		"block_size": hdr.BlockSize,
		"blocks":     hdr.TotalBlocks,
		"chunks":     hdr.TotalChunks,
	}).Debug("Reconstructing sparse image")

	var blocks uint64
	for i := uint32(0); i < hdr.TotalChunks; i++ {
		start := rc.off
		var ch ChunkHeader
		if err := binary.Read(r, binary.LittleEndian, &ch); err != nil {
			return hdr, fmt.Errorf("chunk %d at %#x: failed to read header: %w", i, start, err)
		}
		rc.off += chunkHeaderSize
		if err := rc.skip(int64(hdr.ChunkHeaderSize) - chunkHeaderSize); err != nil {
			return hdr, fmt.Errorf("chunk %d at %#x: %w", i, start, err)
		}
		if blocks+uint64(ch.ChunkSize) > uint64(hdr.TotalBlocks) {
			return hdr, fmt.Errorf("chunk %d at %#x: %w: %d blocks past the %d declared", i, start, ErrInvalidChunk, blocks+uint64(ch.ChunkSize)-uint64(hdr.TotalBlocks), hdr.TotalBlocks)
		}
		if err := rc.chunk(ch); err != nil {
			return hdr, fmt.Errorf("chunk %d (%s) at %#x: %w", i, ch.Type, start, err)
		}
		blocks += uint64(ch.ChunkSize)
	}

	if blocks != uint64(hdr.TotalBlocks) {
		log.Warnf("sparse image chunks cover %d blocks, header declares %d", blocks, hdr.TotalBlocks)
	}
	if err := w.Truncate(hdr.Size()); err != nil {
		return hdr, fmt.Errorf("failed to set image size: %w", err)
	}
	return hdr, nil
}

func (rc *reconstructor) chunk(ch ChunkHeader) error {
	hdrSize := uint64(rc.hdr.ChunkHeaderSize)
	length := uint64(ch.ChunkSize) * uint64(rc.hdr.BlockSize)

	switch ch.Type {
	case ChunkRaw:
		if uint64(ch.TotalSize) != hdrSize+length {
			return fmt.Errorf("%w: raw chunk total size %d, expected %d", ErrInvalidChunk, ch.TotalSize, hdrSize+length)
		}
		n, err := io.CopyN(io.MultiWriter(rc.w, rc.crc), rc.r, int64(length))
		rc.off += n
		if err != nil {
			return fmt.Errorf("failed to copy raw data: %w", err)
		}
	case ChunkFill:
		if uint64(ch.TotalSize) != hdrSize+4 {
			return fmt.Errorf("%w: fill chunk total size %d", ErrInvalidChunk, ch.TotalSize)
		}
		var pattern [4]byte
		if _, err := io.ReadFull(rc.r, pattern[:]); err != nil {
			return fmt.Errorf("failed to read fill pattern: %w", err)
		}
		rc.off += 4
		block := bytes.Repeat(pattern[:], int(rc.hdr.BlockSize/4))
		for range ch.ChunkSize {
			if _, err := rc.w.Write(block); err != nil {
				return err
			}
			rc.crc.Write(block)
		}
	case ChunkDontCare:
		if uint64(ch.TotalSize) != hdrSize {
			return fmt.Errorf("%w: don't care chunk total size %d", ErrInvalidChunk, ch.TotalSize)
		}
		if _, err := rc.w.Seek(int64(length), io.SeekCurrent); err != nil {
			return fmt.Errorf("failed to skip %d bytes: %v", length, err)
		}
		// skipped blocks read back as zeros and are part of the checksum
		zero := make([]byte, rc.hdr.BlockSize)
		for range ch.ChunkSize {
			rc.crc.Write(zero)
		}
	case ChunkCRC32:
		if uint64(ch.TotalSize) != hdrSize+4 {
			return fmt.Errorf("%w: crc32 chunk total size %d", ErrInvalidChunk, ch.TotalSize)
		}
		var want uint32
		if err := binary.Read(rc.r, binary.LittleEndian, &want); err != nil {
			return fmt.Errorf("failed to read crc32: %w", err)
		}
		rc.off += 4
		if got := rc.crc.Sum32(); got != want {
			return fmt.Errorf("%w: computed %#08x, expected %#08x", ErrChecksum, got, want)
		}
	default:
		return fmt.Errorf("%w: unknown type %#x", ErrInvalidChunk, uint16(ch.Type))
	}
	return nil
}

func (rc *reconstructor) skip(n int64) error {
	if n <= 0 {
		return nil
	}
	m, err := io.CopyN(io.Discard, rc.r, n)
	rc.off += m
	if err != nil {
		return fmt.Errorf("failed to skip %d header bytes: %w", n, err)
	}
	return nil
}
