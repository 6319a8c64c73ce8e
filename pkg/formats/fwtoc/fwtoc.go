// Package fwtoc unpacks firmware packages that keep their table of contents
// in a footer at the end of the file.
package fwtoc

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/apex/log"
	"github.com/blacktop/fwextract/pkg/comp"
	"github.com/blacktop/fwextract/pkg/formats"
	"github.com/blacktop/fwextract/pkg/keys"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Name is the registry name of the format.
const Name = "fwtoc"

const (
	version    = 1
	footerSize = 32
	recordSize = 64
	scanWindow = 4096
	maxEntries = 1024

	flagEncrypted = 0x1
)

var magic = []byte("FTOC")

// Builtin is the key table tried when no key database entry exists. Every
// key is paired with the IV it was published with.
var Builtin = keys.Set{
	Keys: []keys.Candidate{
		{
			Key:   keys.MustHex("2b7e151628aed2a6abf7158809cf4f3c"),
			IV:    keys.MustHex("000102030405060708090a0b0c0d0e0f"),
			Label: "fwtoc-a",
		},
		{
			Key:   keys.MustHex("603deb1015ca71be2b73aef0857d77811f352c073b6108d72d9810a30914dff4"),
			IV:    keys.MustHex("f0f1f2f3f4f5f6f7f8f9fafbfcfdfeff"),
			Label: "fwtoc-b",
		},
	},
}

// Footer is the trailing table locator.
type Footer struct {
	Magic      [4]byte
	Version    uint16
	EntryCount uint16
	TocOffset  uint32
	TocSize    uint32
	Reserved   [16]byte
}

// Entry is one record of the table of contents.
type Entry struct {
	Name        [32]byte
	Offset      uint32
	Size        uint32 // stored bytes
	RawSize     uint32 // decompressed bytes
	CRC32       uint32 // of the stored bytes after decryption
	Compression uint8
	Flags       uint8
	Reserved    [14]byte
}

func (e Entry) String() string {
	return string(bytes.TrimRight(e.Name[:], "\x00"))
}

type context struct {
	footer  int64
	entries []Entry
	key     *keys.Candidate
}

// Format returns the FWTOC descriptor.
func Format() formats.Format {
	return &formats.Descriptor[*context]{
		ID:      Name,
		Summary: "firmware package with trailing table of contents (AES-CBC)",
		Detect:  detect,
		Extract: extract,
	}
}

// findFooter scans the tail of the input backwards for a footer whose table
// lies inside the file.
func findFooter(in *formats.Input) (int64, Footer, bool) {
	size := in.Size()
	for pos := size - footerSize; pos >= 0 && pos >= size-scanWindow; pos-- {
		if !in.HasPrefix(magic, pos) {
			continue
		}
		raw, _ := in.Slice(pos, footerSize)
		var f Footer
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &f); err != nil {
			continue
		}
		if f.EntryCount == 0 || int64(f.TocOffset)+int64(f.TocSize) > pos || int64(f.TocSize) != int64(f.EntryCount)*recordSize {
			log.Debugf("ignoring FTOC candidate at %#x", pos)
			continue
		}
		return pos, f, true
	}
	return 0, Footer{}, false
}

func detect(in *formats.Input, opts *formats.Options) (*context, error) {
	pos, footer, ok := findFooter(in)
	if !ok {
		return nil, formats.ErrNoMatch
	}
	c := &context{footer: pos}
	if footer.Version != version {
		return nil, formats.Unsupported(Name, "version %d", footer.Version)
	}
	if footer.EntryCount > maxEntries {
		return nil, fmt.Errorf("invalid entry count %d", footer.EntryCount)
	}

	toc, _ := in.Slice(int64(footer.TocOffset), int64(footer.TocSize))
	opts.Dump("FTOC table", toc, uint64(footer.TocOffset))
	c.entries = make([]Entry, footer.EntryCount)
	if err := binary.Read(bytes.NewReader(toc), binary.LittleEndian, c.entries); err != nil {
		return nil, errors.Wrap(err, "failed to parse table of contents")
	}
	for _, e := range c.entries {
		if int64(e.Offset)+int64(e.Size) > pos {
			return nil, fmt.Errorf("entry %s at %#x: %d bytes overlap the footer", e, e.Offset, e.Size)
		}
		switch comp.Algorithm(e.Compression) {
		case comp.NONE, comp.GZIP, comp.ZLIB, comp.LZMA, comp.XZ, comp.LZ4, comp.ZSTD:
		default:
			return nil, formats.Unsupported(Name, "entry %s compression %s", e, comp.Algorithm(e.Compression))
		}
	}

	if err := c.recoverKey(in, opts); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"footer":  fmt.Sprintf("%#x", pos),
		"entries": len(c.entries),
	}).Debug("FTOC package")

	return c, nil
}

// recoverKey recovers the key on the first encrypted entry. Entries whose
// codec has a magic are matched on it, the others on their CRC32.
func (c *context) recoverKey(in *formats.Input, opts *formats.Options) error {
	for _, e := range c.entries {
		if e.Flags&flagEncrypted == 0 {
			continue
		}
		stored, _ := in.Slice(int64(e.Offset), int64(e.Size))
		alg := comp.Algorithm(e.Compression)

		var (
			sample []byte
			match  keys.Matcher
		)
		if m := comp.Magic(alg); len(m) >= 2 && len(stored) >= aes.BlockSize {
			sample, match = stored[:aes.BlockSize], keys.Prefix(m, 0)
		} else {
			sample = stored
			match = func(plain []byte) bool { return crc32.ChecksumIEEE(plain) == e.CRC32 }
		}

		key, err := keys.Recover(sample, opts.KeySet(Name, Builtin).Keys, keys.CBC, match)
		if err != nil {
			return errors.Wrapf(err, "failed to recover key on entry %s", e)
		}
		c.key = key
		return nil
	}
	return nil
}

func extract(in *formats.Input, c *context, out string, opts *formats.Options) ([]string, error) {
	o := formats.NewOutput(out)
	log.Infof("Extracting %d entries from %s", len(c.entries), in.Name)
	log.Debugf("table footer at %#x", c.footer)

	for i, e := range c.entries {
		log.WithFields(log.Fields{
			"offset":      fmt.Sprintf("%#x", e.Offset),
			"size":        humanize.Bytes(uint64(e.Size)),
			"compression": comp.Algorithm(e.Compression).String(),
			"encrypted":   e.Flags&flagEncrypted != 0,
		}).Debug(e.String())

		if err := c.extractEntry(in, e, i, o, opts); err != nil {
			return o.Files(), errors.Wrapf(err, "entry %s at %#x", e, e.Offset)
		}
		opts.Advance(int64(e.Size))
	}
	opts.Advance(int64(len(c.entries))*recordSize + footerSize)
	return o.Files(), nil
}

func (c *context) extractEntry(in *formats.Input, e Entry, index int, o *formats.Output, opts *formats.Options) error {
	data, err := in.Slice(int64(e.Offset), int64(e.Size))
	if err != nil {
		return err
	}
	if e.Flags&flagEncrypted != 0 {
		if c.key == nil {
			return fmt.Errorf("no key recovered for encrypted entry")
		}
		if data, err = keys.Decrypt(keys.CBC, c.key.Key, c.key.IV, data); err != nil {
			return errors.Wrap(err, "failed to decrypt entry")
		}
	}
	if sum := crc32.ChecksumIEEE(data); sum != e.CRC32 {
		log.Warnf("entry %s: crc32 %#08x does not match table %#08x", e, sum, e.CRC32)
	}

	alg := comp.Algorithm(e.Compression)
	if alg == comp.NONE {
		_, err = o.WriteFile(o.Name(e.String(), index, ""), data)
		return err
	}

	plain, err := comp.Decode(alg, data, comp.SideInfo{Size: int(e.RawSize)})
	if err != nil {
		if !comp.IsCodecError(err) {
			return err
		}
		log.WithError(err).Warnf("entry %s: keeping %d of %d bytes", e, len(plain), e.RawSize)
		if opts != nil && opts.KeepRaw {
			if _, err := o.WriteFile(o.Name(e.String(), index, "raw"), data); err != nil {
				return err
			}
		}
	} else if len(plain) != int(e.RawSize) {
		log.Warnf("entry %s: decoded %d bytes, table declares %d", e, len(plain), e.RawSize)
	}
	_, err = o.WriteFile(o.Name(e.String(), index, ""), plain)
	return err
}
