package comp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/blacktop/fwextract/pkg/hufflz"
	"github.com/blacktop/fwextract/pkg/sparse"
	"github.com/blacktop/lzss"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// LzssHeader is the complzss header that precedes LZSS payloads.
type LzssHeader struct {
	CompressionType  uint32 // 0x636f6d70 "comp"
	Signature        uint32 // 0x6c7a7373 "lzss"
	CheckSum         uint32
	UncompressedSize uint32
	CompressedSize   uint32
	Padding          [0x16c]byte
}

const (
	lzssCompressionType = 0x636f6d70
	lzssSignature       = 0x6c7a7373

	// maxDecodedSize bounds what a payload may declare for its output.
	maxDecodedSize = 1 << 30
)

func decode(a Algorithm, data []byte, side SideInfo) ([]byte, error) {
	if side.Size > maxDecodedSize {
		return nil, fmt.Errorf("declared size %d exceeds %d", side.Size, maxDecodedSize)
	}
	switch a {
	case NONE:
		return data, nil
	case GZIP:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case ZLIB:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case LZMA:
		r, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(r)
	case XZ:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(r)
	case LZ4:
		if side.Size <= 0 {
			return nil, fmt.Errorf("lz4 block needs the decompressed size")
		}
		out := make([]byte, side.Size)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, err
		}
		return out[:n], nil
	case LZO:
		return decodeLZO(data)
	case ZSTD:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case LZSS:
		return decodeLZSS(data)
	case HUFFLZ:
		return hufflz.Decompress(data, hufflz.Options{
			Size:        side.Size,
			LoadAddress: side.LoadAddress,
			Checksum:    side.Checksum,
			Verify:      side.HasChecksum,
		})
	case SPARSE:
		limit := int64(maxDecodedSize)
		if side.Size > 0 {
			limit = min(limit, int64(side.Size))
		}
		hdr, err := sparse.ReadHeader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		if hdr.Size() > limit {
			return nil, fmt.Errorf("sparse image declares %d bytes, limit %d: %w", hdr.Size(), limit, sparse.ErrTooLarge)
		}
		buf := sparse.NewBuffer(limit)
		if _, err := sparse.Reconstruct(bytes.NewReader(data), buf); err != nil {
			return buf.Bytes(), err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, uint(a))
	}
}

func decodeLZSS(data []byte) ([]byte, error) {
	var hdr LzssHeader
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read complzss header: %v", err)
	}
	if hdr.CompressionType != lzssCompressionType || hdr.Signature != lzssSignature {
		return nil, fmt.Errorf("invalid complzss header: %#08x %#08x", hdr.CompressionType, hdr.Signature)
	}
	payload := data[binary.Size(hdr):]
	if int(hdr.CompressedSize) > len(payload) {
		return nil, fmt.Errorf("compressed_size: %d is greater than payload size: %d", hdr.CompressedSize, len(payload))
	}
	dec := lzss.Decompress(payload[:hdr.CompressedSize])
	if len(dec) < int(hdr.UncompressedSize) {
		return dec, fmt.Errorf("decompressed %d bytes, expected %d", len(dec), hdr.UncompressedSize)
	}
	return dec[:hdr.UncompressedSize], nil
}

func compress(data []byte, a Algorithm) ([]byte, error) {
	var buf bytes.Buffer
	switch a {
	case NONE:
		return bytes.Clone(data), nil
	case GZIP:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case ZLIB:
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case LZMA:
		w, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case XZ:
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case LZ4:
		out := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, out, nil)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("lz4: data is incompressible")
		}
		return out[:n], nil
	case LZO:
		return storeLZO(data), nil
	case ZSTD:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case LZSS:
		return storeLZSS(data), nil
	case HUFFLZ:
		return hufflz.Compress(data, 0)
	default:
		return nil, fmt.Errorf("compression algorithm %s not supported", a)
	}
	return buf.Bytes(), nil
}

// storeLZSS wraps data in a complzss stream made of literals only.
func storeLZSS(data []byte) []byte {
	var payload bytes.Buffer
	for i := 0; i < len(data); i += 8 {
		payload.WriteByte(0xFF)
		payload.Write(data[i:min(i+8, len(data))])
	}
	hdr := LzssHeader{
		CompressionType:  lzssCompressionType,
		Signature:        lzssSignature,
		UncompressedSize: uint32(len(data)),
		CompressedSize:   uint32(payload.Len()),
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, hdr)
	buf.Write(payload.Bytes())
	return buf.Bytes()
}
