// Package bdfw unpacks optical drive/player firmware bundles. The module
// table is AES-ECB encrypted, module data is stored as unsigned segment
// chains and compressed with the HUFFLZ codec.
package bdfw

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/blacktop/fwextract/pkg/comp"
	"github.com/blacktop/fwextract/pkg/container"
	"github.com/blacktop/fwextract/pkg/formats"
	"github.com/blacktop/fwextract/pkg/hufflz"
	"github.com/blacktop/fwextract/pkg/keys"
	"github.com/dustin/go-humanize"
	perrors "github.com/pkg/errors"
)

// Name is the registry name of the format.
const Name = "bdfw"

const (
	version      = 1
	headerSize   = 32
	tocOffset    = 0x20
	tocHdrSize   = 16
	recordSize   = 32
	maxModules   = 128
	methodStored = 0
	methodHUFFLZ = 1
)

var (
	magic    = []byte("BDFW")
	tocMagic = []byte("MODT")
)

// ErrEntryCount is returned when the encrypted table disagrees with the
// plain header about the number of modules.
var ErrEntryCount = errors.New("bdfw: module count mismatch")

// Builtin is the key table tried when no key database entry exists.
var Builtin = keys.Set{
	Keys: []keys.Candidate{
		{Key: keys.MustHex("7d21c0e94a3f865b12e8d47ca09b3f61"), Label: "bdfw-a"},
		{Key: keys.MustHex("e5094b7a2cd1386f90a4e72b5c18d3f0"), Label: "bdfw-b"},
	},
}

// Header is the plain bundle header.
type Header struct {
	Magic       [4]byte
	Version     uint32
	ModuleCount uint32
	Reserved    [20]byte
}

type tocHeader struct {
	Magic    [4]byte
	Count    uint32
	Reserved [8]byte
}

// Module is one record of the module table.
type Module struct {
	Name        [12]byte
	Offset      uint32
	Size        uint32 // decompressed size
	LoadAddress uint32
	Checksum    uint8
	Method      uint8
	Reserved    [6]byte
}

func (m Module) String() string {
	return string(bytes.TrimRight(m.Name[:], "\x00"))
}

type context struct {
	key     *keys.Candidate
	header  Header
	modules []Module
}

// Format returns the BDFW descriptor.
func Format() formats.Format {
	return &formats.Descriptor[*context]{
		ID:      Name,
		Summary: "optical drive firmware bundle (AES-ECB table, HUFFLZ modules)",
		Detect:  detect,
		Extract: extract,
	}
}

func detect(in *formats.Input, opts *formats.Options) (*context, error) {
	if !in.HasPrefix(magic, 0) || in.Size() < tocOffset+tocHdrSize {
		return nil, formats.ErrNoMatch
	}

	c := &context{}
	hdr, _ := in.Slice(0, headerSize)
	if err := binary.Read(bytes.NewReader(hdr), binary.LittleEndian, &c.header); err != nil {
		return nil, perrors.Wrap(err, "failed to parse header")
	}
	if c.header.Version != version {
		return nil, formats.Unsupported(Name, "version %d", c.header.Version)
	}
	if c.header.ModuleCount == 0 || c.header.ModuleCount > maxModules {
		return nil, fmt.Errorf("invalid module count %d", c.header.ModuleCount)
	}

	sample, _ := in.Slice(tocOffset, aes.BlockSize)
	key, err := keys.RecoverPrefix(sample, opts.KeySet(Name, Builtin).Keys, keys.ECB, tocMagic, 0)
	if err != nil {
		return nil, perrors.Wrap(err, "failed to recover module table key")
	}
	c.key = key

	raw, err := in.Slice(tocOffset, tocHdrSize+int64(c.header.ModuleCount)*recordSize)
	if err != nil {
		return nil, perrors.Wrap(err, "module table truncated")
	}
	table, err := keys.Decrypt(keys.ECB, key.Key, nil, raw)
	if err != nil {
		return nil, perrors.Wrap(err, "failed to decrypt module table")
	}
	opts.Dump("BDFW module table", table, tocOffset)

	r := bytes.NewReader(table)
	var toc tocHeader
	if err := binary.Read(r, binary.LittleEndian, &toc); err != nil {
		return nil, perrors.Wrap(err, "failed to parse module table header")
	}
	if toc.Count != c.header.ModuleCount {
		return nil, fmt.Errorf("%w: header says %d, table says %d", ErrEntryCount, c.header.ModuleCount, toc.Count)
	}
	c.modules = make([]Module, toc.Count)
	if err := binary.Read(r, binary.LittleEndian, c.modules); err != nil {
		return nil, perrors.Wrap(err, "failed to parse module table")
	}
	for _, m := range c.modules {
		if m.Method != methodStored && m.Method != methodHUFFLZ {
			return nil, formats.Unsupported(Name, "module %s method %d", m, m.Method)
		}
	}

	log.WithFields(log.Fields{
		"key":     key.String(),
		"modules": len(c.modules),
	}).Debug("BDFW module table")

	return c, nil
}

// module collects the segments of one module and decodes it on Close.
type module struct {
	bytes.Buffer
	m     Module
	index int
	out   *formats.Output
	raw   bool
}

func (w *module) Close() error {
	name := w.out.Name(w.m.String(), w.index, "bin")
	if w.m.Method == methodStored {
		_, err := w.out.WriteFile(name, w.Bytes())
		return err
	}

	if w.raw {
		if _, err := w.out.WriteFile(w.out.Name(w.m.String(), w.index, "hlz"), w.Bytes()); err != nil {
			return err
		}
	}
	data, err := comp.Decode(comp.HUFFLZ, w.Bytes(), comp.SideInfo{
		Size:        int(w.m.Size),
		LoadAddress: w.m.LoadAddress,
		Checksum:    w.m.Checksum,
		HasChecksum: true,
	})
	if err != nil {
		if !comp.IsCodecError(err) {
			return err
		}
		if errors.Is(err, hufflz.ErrChecksum) {
			log.Warnf("module %s: %v", w.m, err)
		} else {
			log.WithError(err).Warnf("module %s: keeping %d of %d bytes", w.m, len(data), w.m.Size)
		}
	}
	_, err = w.out.WriteFile(name, data)
	return err
}

func extract(in *formats.Input, c *context, out string, opts *formats.Options) ([]string, error) {
	o := formats.NewOutput(out)
	log.Infof("Extracting %d modules from %s", len(c.modules), in.Name)

	entries := make([]container.Entry, len(c.modules))
	for i, m := range c.modules {
		entries[i] = container.Entry{Name: m.String(), Offset: int64(m.Offset), Meta: i}
		log.WithFields(log.Fields{
			"offset": fmt.Sprintf("%#x", m.Offset),
			"size":   humanize.Bytes(uint64(m.Size)),
			"load":   fmt.Sprintf("%#08x", m.LoadAddress),
			"method": m.Method,
		}).Debug(m.String())
	}

	var consumed int64
	dec := container.NewDecoder(in, in.Size(), container.Config{
		Key:  c.key,
		Mode: keys.ECB,
		OnSegment: func(s container.SegmentInfo) {
			// input position reached by this segment
			end := s.Offset + s.Size
			opts.Advance(end - consumed)
			consumed = max(consumed, end)
		},
	})
	keepRaw := opts != nil && opts.KeepRaw
	open := func(e *container.Entry) (io.WriteCloser, error) {
		i := e.Meta.(int)
		return &module{m: c.modules[i], index: i, out: o, raw: keepRaw}, nil
	}
	if err := dec.Decode(entries, open); err != nil {
		return o.Files(), err
	}
	return o.Files(), nil
}
