package comp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/adler32"

	"github.com/anchore/go-lzo"
	"github.com/apex/log"
)

// LZO payloads are a sequence of blocks, each preceded by a big-endian
// header. A block whose compressed size equals its uncompressed size is
// stored. A zero uncompressed size ends the stream.
type lzoBlockHeader struct {
	UncompressedSize uint32
	CompressedSize   uint32
	Adler32          uint32 // of the uncompressed block
}

const lzoMaxBlockSize = 64 << 20

func decodeLZO(data []byte) ([]byte, error) {
	var out bytes.Buffer
	r := bytes.NewReader(data)

	for blk := 0; ; blk++ {
		off := len(data) - r.Len()
		var hdr lzoBlockHeader
		if err := binary.Read(r, binary.BigEndian, &hdr.UncompressedSize); err != nil {
			return out.Bytes(), fmt.Errorf("block %d at %#x: failed to read header: %v", blk, off, err)
		}
		if hdr.UncompressedSize == 0 {
			break
		}
		if err := binary.Read(r, binary.BigEndian, &hdr.CompressedSize); err != nil {
			return out.Bytes(), fmt.Errorf("block %d at %#x: failed to read header: %v", blk, off, err)
		}
		if err := binary.Read(r, binary.BigEndian, &hdr.Adler32); err != nil {
			return out.Bytes(), fmt.Errorf("block %d at %#x: failed to read header: %v", blk, off, err)
		}
		if hdr.UncompressedSize > lzoMaxBlockSize {
			return out.Bytes(), fmt.Errorf("block %d at %#x: invalid sizes %d/%d", blk, off, hdr.CompressedSize, hdr.UncompressedSize)
		}
		if int(hdr.CompressedSize) > r.Len() {
			return out.Bytes(), fmt.Errorf("block %d at %#x: truncated, need %d bytes, have %d", blk, off, hdr.CompressedSize, r.Len())
		}

		src := make([]byte, hdr.CompressedSize)
		r.Read(src)

		block := src
		if hdr.CompressedSize != hdr.UncompressedSize {
			block = make([]byte, hdr.UncompressedSize)
			n, err := lzo.Decompress(src, block)
			if err != nil {
				out.Write(block[:n])
				return out.Bytes(), fmt.Errorf("block %d at %#x: %v", blk, off, err)
			}
			block = block[:n]
		}
		if sum := adler32.Checksum(block); sum != hdr.Adler32 {
			return out.Bytes(), fmt.Errorf("block %d at %#x: adler32 mismatch: computed %#08x, expected %#08x", blk, off, sum, hdr.Adler32)
		}

		log.WithFields(log.Fields{
			"block":        blk,
			"compressed":   hdr.CompressedSize,
			"uncompressed": hdr.UncompressedSize,
		}).Debug("LZO block")
		out.Write(block)
	}

	return out.Bytes(), nil
}

// storeLZO frames data as stored LZO blocks.
func storeLZO(data []byte) []byte {
	const blockSize = 256 << 10
	var buf bytes.Buffer
	for i := 0; i < len(data); i += blockSize {
		block := data[i:min(i+blockSize, len(data))]
		binary.Write(&buf, binary.BigEndian, lzoBlockHeader{
			UncompressedSize: uint32(len(block)),
			CompressedSize:   uint32(len(block)),
			Adler32:          adler32.Checksum(block),
		})
		buf.Write(block)
	}
	binary.Write(&buf, binary.BigEndian, uint32(0))
	return buf.Bytes()
}
