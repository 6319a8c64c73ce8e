// Package epk unpacks EPK3 two-part update packages: an AES-ECB encrypted
// header and package table followed by signed, encrypted segment chains.
package epk

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/blacktop/fwextract/pkg/comp"
	"github.com/blacktop/fwextract/pkg/container"
	"github.com/blacktop/fwextract/pkg/formats"
	"github.com/blacktop/fwextract/pkg/keys"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Name is the registry name of the format.
const Name = "epk3"

const (
	version     = 3
	headerSize  = 64
	recordSize  = 48
	maxPackages = 256
)

var magic = []byte("EPK3")

// Builtin is the key table tried when no key database entry exists.
var Builtin = keys.Set{
	Keys: []keys.Candidate{
		{Key: keys.MustHex("4e8a1b7c30d2f5a96e1c84b72d09f3a5"), Label: "epk3-2017"},
		{Key: keys.MustHex("b2d54f0e9a6c13e8774f2a90c5d1be36"), Label: "epk3-2019"},
		{Key: keys.MustHex("19c7e3a06b5d482f93e0a1d47cf6285b"), Label: "epk3-2021"},
	},
}

// Header is the decrypted package header.
type Header struct {
	Magic         [4]byte
	Version       uint32
	OTAID         [32]byte
	PackageCount  uint32
	SignatureSize uint32
	Reserved      [16]byte
}

// Package is one record of the package table.
type Package struct {
	Name        [32]byte
	Offset      uint32 // signature exclusive
	Size        uint32
	Segments    uint32
	Compression uint32
}

func (p Package) String() string {
	return string(bytes.TrimRight(p.Name[:], "\x00"))
}

type context struct {
	key      *keys.Candidate
	header   Header
	packages []Package
}

// Format returns the EPK3 descriptor.
func Format() formats.Format {
	return &formats.Descriptor[*context]{
		ID:      Name,
		Summary: "EPK3 update package (AES-ECB, signed segments)",
		Detect:  detect,
		Extract: extract,
	}
}

func detect(in *formats.Input, opts *formats.Options) (*context, error) {
	if in.Size() < headerSize {
		return nil, formats.ErrNoMatch
	}
	sample, _ := in.Slice(0, aes.BlockSize)
	key, err := keys.RecoverPrefix(sample, opts.KeySet(Name, Builtin).Keys, keys.ECB, magic, 0)
	if err != nil {
		return nil, formats.ErrNoMatch
	}

	raw, _ := in.Slice(0, headerSize)
	plain, err := keys.Decrypt(keys.ECB, key.Key, nil, raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt header")
	}
	opts.Dump("EPK3 header", plain, 0)

	c := &context{key: key}
	if err := binary.Read(bytes.NewReader(plain), binary.LittleEndian, &c.header); err != nil {
		return nil, errors.Wrap(err, "failed to parse header")
	}
	if c.header.Version != version {
		return nil, formats.Unsupported(Name, "version %d", c.header.Version)
	}
	sigSize := int64(c.header.SignatureSize)
	if sigSize != 128 && sigSize != 256 {
		return nil, formats.Unsupported(Name, "signature size %d", sigSize)
	}
	if c.header.PackageCount == 0 || c.header.PackageCount > maxPackages {
		return nil, fmt.Errorf("invalid package count %d", c.header.PackageCount)
	}

	tableOff := headerSize + sigSize
	raw, err = in.Slice(tableOff, int64(c.header.PackageCount)*recordSize)
	if err != nil {
		return nil, errors.Wrap(err, "package table truncated")
	}
	table, err := keys.Decrypt(keys.ECB, key.Key, nil, raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt package table")
	}
	opts.Dump("EPK3 package table", table, uint64(tableOff))

	c.packages = make([]Package, c.header.PackageCount)
	if err := binary.Read(bytes.NewReader(table), binary.LittleEndian, c.packages); err != nil {
		return nil, errors.Wrap(err, "failed to parse package table")
	}
	for _, p := range c.packages {
		switch comp.Algorithm(p.Compression) {
		case comp.NONE, comp.GZIP, comp.ZLIB, comp.LZMA, comp.XZ, comp.LZO, comp.ZSTD:
		default:
			return nil, formats.Unsupported(Name, "package %s compression %s", p, comp.Algorithm(p.Compression))
		}
	}

	log.WithFields(log.Fields{
		"key":      key.String(),
		"ota_id":   string(bytes.TrimRight(c.header.OTAID[:], "\x00")),
		"packages": c.header.PackageCount,
	}).Debug("EPK3 header")

	return c, nil
}

func extract(in *formats.Input, c *context, out string, opts *formats.Options) ([]string, error) {
	o := formats.NewOutput(out)

	log.Infof("Extracting %d packages from %s (OTA %s)", len(c.packages), in.Name, bytes.TrimRight(c.header.OTAID[:], "\x00"))

	entries := make([]container.Entry, len(c.packages))
	for i, p := range c.packages {
		entries[i] = container.Entry{
			Name:     p.String(),
			Offset:   int64(p.Offset),
			Segments: int(p.Segments),
			Meta:     p,
		}
		log.WithFields(log.Fields{
			"offset":   fmt.Sprintf("%#x", p.Offset),
			"size":     humanize.Bytes(uint64(p.Size)),
			"segments": p.Segments,
			"comp":     comp.Algorithm(p.Compression).String(),
		}).Debug(p.String())
	}

	var consumed int64
	cfg := container.Config{
		Layout: container.Layout{
			SignatureSize:     int(c.header.SignatureSize),
			InitialSignatures: 1,
		},
		Key:  c.key,
		Mode: keys.ECB,
		OnSegment: func(s container.SegmentInfo) {
			// input position reached by this segment
			end := s.Offset + s.Size
			opts.Advance(end - consumed)
			consumed = max(consumed, end)
		},
		Transform: func(e *container.Entry, _ container.SegmentHeader, payload []byte) ([]byte, error) {
			return comp.Decode(comp.Algorithm(e.Meta.(Package).Compression), payload, comp.SideInfo{})
		},
	}
	if opts != nil && opts.KeepRaw {
		cfg.Preserve = func(e *container.Entry, seg int, raw []byte) error {
			_, err := o.WriteFile(o.Name(fmt.Sprintf("%s.seg%d", e.Name, seg), 0, "raw"), raw)
			return err
		}
	}

	dec := container.NewDecoder(in, in.Size(), cfg)
	index := 0
	open := func(e *container.Entry) (io.WriteCloser, error) {
		index++
		return o.Create(o.Name(e.Name, index-1, "pak"))
	}
	if err := dec.Decode(entries, open); err != nil {
		return o.Files(), err
	}
	return o.Files(), nil
}
