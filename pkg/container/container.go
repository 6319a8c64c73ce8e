// Package container walks encrypted segmented containers: tables of entries
// whose data is stored as chains of signed, individually encrypted segments.
//
// Every segment is laid out as
//
//	signature | segment header | payload
//
// Entry offsets in the table exclude signatures. The physical position of an
// entry is its table offset plus the size of every signature seen so far in
// the file, so the decoder keeps a running signature count across entries.
package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/blacktop/fwextract/pkg/comp"
	"github.com/blacktop/fwextract/pkg/keys"
)

// SegmentHeaderSize is the size of the default segment header.
const SegmentHeaderSize = 16

var (
	// ErrCorruptChain is returned when a segment index does not follow its predecessor.
	ErrCorruptChain = errors.New("container: corrupt segment chain")
	// ErrCountMismatch is returned when segment headers of one entry disagree on the segment count.
	ErrCountMismatch = errors.New("container: segment count mismatch")
	// ErrTruncated is returned when a segment extends past the end of the input.
	ErrTruncated = errors.New("container: truncated segment")
)

// Error records the position of a decoding failure.
type Error struct {
	Entry   string
	Segment int
	Offset  int64
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("entry %q segment %d at %#x: %v", e.Entry, e.Segment, e.Offset, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SegmentHeader precedes every segment payload.
type SegmentHeader struct {
	Index     uint32 // position of the segment in its entry
	Count     uint32 // number of segments in the entry
	Size      uint32 // payload size
	ImageSize uint32 // size of the reassembled entry, 0 when unknown
}

// ParseSegmentHeader decodes a little-endian SegmentHeader.
func ParseSegmentHeader(b []byte) (SegmentHeader, error) {
	if len(b) < SegmentHeaderSize {
		return SegmentHeader{}, fmt.Errorf("segment header too short: %d bytes", len(b))
	}
	return SegmentHeader{
		Index:     binary.LittleEndian.Uint32(b[0:]),
		Count:     binary.LittleEndian.Uint32(b[4:]),
		Size:      binary.LittleEndian.Uint32(b[8:]),
		ImageSize: binary.LittleEndian.Uint32(b[12:]),
	}, nil
}

// Entry is one file of a container.
type Entry struct {
	Name     string
	Offset   int64 // signature exclusive
	Size     int64 // declared size of the reassembled entry, 0 when unknown
	Segments int   // declared segment count, 0 when only the headers know it
	// First is the header of segment 0 when it was already read during
	// detection. The decoder skips over it instead of reading it again.
	First *SegmentHeader
	// Meta carries the driver's own record for the entry.
	Meta any
}

// Layout describes the framing of a container.
type Layout struct {
	SignatureSize     int
	InitialSignatures int // signatures consumed before the first entry
	HeaderSize        int // defaults to SegmentHeaderSize
	ParseHeader       func([]byte) (SegmentHeader, error)
}

// SegmentInfo describes a segment as it is visited.
type SegmentInfo struct {
	Entry      *Entry
	Header     SegmentHeader
	Offset     int64 // physical offset of the payload
	Size       int64 // payload size after inference
	Signatures int   // signatures consumed so far, this segment's included
}

// Config controls a Decoder.
type Config struct {
	Layout
	// Key decrypts segment headers and payloads; a nil Key means plaintext.
	Key  *keys.Candidate
	Mode keys.Mode
	// Transform turns a decrypted payload into entry data. Returning a
	// *comp.CodecError is not fatal: any partial output is kept and the raw
	// payload is handed to Preserve.
	Transform func(e *Entry, h SegmentHeader, payload []byte) ([]byte, error)
	Preserve  func(e *Entry, segment int, raw []byte) error
	OnSegment func(SegmentInfo)
}

// OpenFunc opens the output stream of an entry.
type OpenFunc func(e *Entry) (io.WriteCloser, error)

// Decoder walks the segment chains of a container.
type Decoder struct {
	r    io.ReaderAt
	size int64
	cfg  Config

	signatures int
}

// NewDecoder returns a decoder reading size bytes from r.
func NewDecoder(r io.ReaderAt, size int64, cfg Config) *Decoder {
	if cfg.HeaderSize == 0 {
		cfg.HeaderSize = SegmentHeaderSize
	}
	if cfg.ParseHeader == nil {
		cfg.ParseHeader = ParseSegmentHeader
	}
	return &Decoder{
		r:          r,
		size:       size,
		cfg:        cfg,
		signatures: cfg.InitialSignatures,
	}
}

// SignatureCount returns the number of signatures consumed so far.
func (d *Decoder) SignatureCount() int {
	return d.signatures
}

// Decode reassembles every entry in order. Files written before an error are
// left in place.
func (d *Decoder) Decode(entries []Entry, open OpenFunc) error {
	for i := range entries {
		if err := d.decodeEntry(entries, i, open); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decoder) decrypt(b []byte) ([]byte, error) {
	if d.cfg.Key == nil {
		return b, nil
	}
	return keys.Decrypt(d.cfg.Mode, d.cfg.Key.Key, d.cfg.Key.IV, b)
}

func (d *Decoder) readAt(n, off int64) ([]byte, error) {
	if n < 0 || off < 0 || off+n > d.size {
		return nil, fmt.Errorf("%w: need %d bytes at %#x, input is %#x bytes", ErrTruncated, n, off, d.size)
	}
	buf := make([]byte, n)
	if _, err := d.r.ReadAt(buf, off); err != nil && !(errors.Is(err, io.EOF) && off+n == d.size) {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return buf, nil
}

func (d *Decoder) decodeEntry(entries []Entry, i int, open OpenFunc) (err error) {
	e := &entries[i]
	sigSize := int64(d.cfg.SignatureSize)
	pos := e.Offset + sigSize*int64(d.signatures)
	seg := 0

	fail := func(err error) error {
		return &Error{Entry: e.Name, Segment: seg, Offset: pos, Err: err}
	}

	w, err := open(e)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = fail(cerr)
		}
	}()

	var written int64
	var imageSize uint32
	total := -1

	for ; total < 0 || seg < total; seg++ {
		// signature
		if pos+sigSize > d.size {
			return fail(fmt.Errorf("%w: signature past end of input", ErrTruncated))
		}
		pos += sigSize
		d.signatures++

		var hdr SegmentHeader
		if seg == 0 && e.First != nil {
			hdr = *e.First
		} else {
			raw, err := d.readAt(int64(d.cfg.HeaderSize), pos)
			if err != nil {
				return fail(err)
			}
			plain, err := d.decrypt(raw)
			if err != nil {
				return fail(err)
			}
			if hdr, err = d.cfg.ParseHeader(plain); err != nil {
				return fail(err)
			}
		}
		pos += int64(d.cfg.HeaderSize)

		if hdr.Index != uint32(seg) {
			return fail(fmt.Errorf("%w: found index %d, expected %d", ErrCorruptChain, hdr.Index, seg))
		}
		if seg == 0 {
			if hdr.Count == 0 {
				return fail(fmt.Errorf("%w: zero segment count", ErrCorruptChain))
			}
			if e.Segments > 0 && int(hdr.Count) != e.Segments {
				return fail(fmt.Errorf("%w: header says %d, table says %d", ErrCountMismatch, hdr.Count, e.Segments))
			}
			total = int(hdr.Count)
			imageSize = hdr.ImageSize
		} else if int(hdr.Count) != total {
			return fail(fmt.Errorf("%w: header says %d, first segment said %d", ErrCountMismatch, hdr.Count, total))
		}

		size := int64(hdr.Size)
		if seg == total-1 && i < len(entries)-1 {
			// the last segment ends where the next entry's first signature starts
			limit := entries[i+1].Offset + sigSize*int64(d.signatures) - pos
			if limit < 0 {
				return fail(fmt.Errorf("%w: next entry starts %d bytes before this segment", ErrTruncated, -limit))
			}
			if limit < size {
				log.WithFields(log.Fields{
					"entry":    e.Name,
					"declared": size,
					"inferred": limit,
				}).Debug("Clamping last segment to next entry")
				size = limit
			}
		}

		if d.cfg.OnSegment != nil {
			d.cfg.OnSegment(SegmentInfo{Entry: e, Header: hdr, Offset: pos, Size: size, Signatures: d.signatures})
		}

		raw, err := d.readAt(size, pos)
		if err != nil {
			return fail(err)
		}
		payload, err := d.decrypt(raw)
		if err != nil {
			return fail(err)
		}

		data := payload
		if d.cfg.Transform != nil {
			data, err = d.cfg.Transform(e, hdr, payload)
			if err != nil {
				var ce *comp.CodecError
				if !errors.As(err, &ce) {
					return fail(err)
				}
				log.WithError(err).Warnf("entry %s segment %d: keeping %d bytes of partial output", e.Name, seg, len(ce.Data))
				data = ce.Data
				if d.cfg.Preserve != nil {
					if perr := d.cfg.Preserve(e, seg, payload); perr != nil {
						return fail(perr)
					}
				}
			}
		}

		if _, err := w.Write(data); err != nil {
			return fail(err)
		}
		written += int64(len(data))

		log.WithFields(log.Fields{
			"entry":   e.Name,
			"segment": fmt.Sprintf("%d/%d", seg+1, total),
			"offset":  fmt.Sprintf("%#x", pos),
			"size":    size,
		}).Debug("Decoded segment")

		pos += size
	}

	switch {
	case imageSize != 0 && int64(imageSize) != written:
		log.Warnf("entry %s: wrote %d bytes, segment headers declare %d", e.Name, written, imageSize)
	case e.Size != 0 && e.Size != written:
		log.Warnf("entry %s: wrote %d bytes, table declares %d", e.Name, written, e.Size)
	}

	return nil
}
