// Package mtk unpacks MediaTek style "iMtKpkg" packages. Two variants share
// the magic: salted packages derive an AES-CBC key from a passphrase, legacy
// packages use a static AES-ECB key.
package mtk

import (
	"bytes"
	"crypto/aes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/fwextract/pkg/comp"
	"github.com/blacktop/fwextract/pkg/formats"
	"github.com/blacktop/fwextract/pkg/keys"
	"github.com/blacktop/fwextract/pkg/sparse"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

const (
	// Name is the registry name of salted packages.
	Name = "mtk"
	// LegacyName is the registry name of unsalted packages.
	LegacyName = "mtk-legacy"
)

const (
	headerSize    = 64
	partHdrSize   = 32
	preambleSize  = 16
	maxPartitions = 64

	flagSalted = 0x1

	partEncrypted = 0x1
	partLZMA      = 0x2
	partSparse    = 0x4
)

var (
	magic         = []byte("iMtKpkg\x00")
	preambleMagic = []byte("iMtK")

	errTruncated = errors.New("partition extends past end of file")
)

// Builtin is the passphrase table of salted packages.
var Builtin = keys.Set{
	Passphrases: []string{"MTK_PKG_2016", "mtkpkg-secure", "SmartTV#Upgrade"},
}

// LegacyBuiltin is the key table of unsalted packages.
var LegacyBuiltin = keys.Set{
	Keys: []keys.Candidate{
		{Key: keys.MustHex("3a6c9e1f7b2d4058a1c3e5f708192a3b"), Label: "mtk-legacy-1"},
		{Key: keys.MustHex("c4d2e0f1a3b59786f0e1d2c3b4a59687"), Label: "mtk-legacy-2"},
	},
}

// Deriver turns a passphrase and the package salt into key and IV.
var Deriver keys.Deriver = keys.HashDeriver{Hash: sha256.New, Rounds: 1000, KeyLen: 16}

// Header is the plain package header.
type Header struct {
	Vendor   [4]byte
	Magic    [8]byte
	Flags    uint32
	Salt     [8]byte
	Version  [32]byte
	FileSize uint32
	Reserved [4]byte
}

// PartitionHeader precedes every partition.
type PartitionHeader struct {
	Name     [16]byte
	Flags    uint32
	Size     uint32
	Reserved [8]byte
}

func (p PartitionHeader) String() string {
	return string(bytes.TrimRight(p.Name[:], "\x00"))
}

type preamble struct {
	Magic    [4]byte
	Length   uint32
	Reserved [8]byte
}

type partition struct {
	PartitionHeader
	offset int64 // of the partition data
}

type context struct {
	name   string
	header Header
	parts  []partition
	key    *keys.Candidate
	mode   keys.Mode
}

// Format returns the descriptor of salted packages.
func Format() formats.Format {
	return &formats.Descriptor[*context]{
		ID:      Name,
		Summary: "MediaTek package, salted passphrase key (AES-CBC)",
		Detect: func(in *formats.Input, opts *formats.Options) (*context, error) {
			return detect(in, opts, true)
		},
		Extract: extract,
	}
}

// LegacyFormat returns the descriptor of unsalted packages.
func LegacyFormat() formats.Format {
	return &formats.Descriptor[*context]{
		ID:      LegacyName,
		Summary: "MediaTek package, static key (AES-ECB)",
		Detect: func(in *formats.Input, opts *formats.Options) (*context, error) {
			return detect(in, opts, false)
		},
		Extract: extract,
	}
}

func detect(in *formats.Input, opts *formats.Options, salted bool) (*context, error) {
	if !in.HasPrefix(magic, 4) || in.Size() < headerSize {
		return nil, formats.ErrNoMatch
	}

	c := &context{name: LegacyName, mode: keys.ECB}
	if salted {
		c.name, c.mode = Name, keys.CBC
	}
	raw, _ := in.Slice(0, headerSize)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &c.header); err != nil {
		return nil, errors.Wrap(err, "failed to parse header")
	}
	if (c.header.Flags&flagSalted != 0) != salted {
		return nil, formats.ErrNoMatch
	}
	opts.Dump("MTK header", raw, 0)

	if int64(c.header.FileSize) != in.Size() {
		log.Warnf("header declares %d bytes, file has %d", c.header.FileSize, in.Size())
	}

	for pos := int64(headerSize); pos+partHdrSize <= in.Size(); {
		var p partition
		raw, _ := in.Slice(pos, partHdrSize)
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &p.PartitionHeader); err != nil {
			return nil, errors.Wrapf(err, "failed to parse partition header at %#x", pos)
		}
		if p.Name[0] == 0 {
			// zero padding after the last partition
			break
		}
		p.offset = pos + partHdrSize
		if p.offset+int64(p.Size) > in.Size() {
			return nil, errors.Wrapf(errTruncated, "partition %s at %#x (%d bytes)", p, pos, p.Size)
		}
		if len(c.parts) == maxPartitions {
			return nil, fmt.Errorf("more than %d partitions", maxPartitions)
		}
		c.parts = append(c.parts, p)
		pos = p.offset + int64(p.Size)
	}
	if len(c.parts) == 0 {
		return nil, fmt.Errorf("no partitions found")
	}

	if err := c.recoverKey(in, opts); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"format":     c.name,
		"vendor":     string(bytes.TrimRight(c.header.Vendor[:], "\x00")),
		"version":    string(bytes.TrimRight(c.header.Version[:], "\x00")),
		"partitions": len(c.parts),
	}).Debug("MTK package")

	return c, nil
}

// recoverKey recovers the key on the first encrypted partition.
func (c *context) recoverKey(in *formats.Input, opts *formats.Options) error {
	for _, p := range c.parts {
		if p.Flags&partEncrypted == 0 {
			continue
		}
		if p.Size < aes.BlockSize {
			return fmt.Errorf("encrypted partition %s too small: %d bytes", p, p.Size)
		}
		sample, _ := in.Slice(p.offset, aes.BlockSize)

		var err error
		if c.mode == keys.CBC {
			c.key, err = keys.RecoverPassphrase(sample, opts.KeySet(Name, Builtin).Passphrases, c.header.Salt[:], Deriver, keys.CBC, keys.Prefix(preambleMagic, 0))
		} else {
			c.key, err = keys.RecoverPrefix(sample, opts.KeySet(LegacyName, LegacyBuiltin).Keys, keys.ECB, preambleMagic, 0)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to recover key on partition %s", p)
		}
		return nil
	}
	return nil
}

func extract(in *formats.Input, c *context, out string, opts *formats.Options) ([]string, error) {
	o := formats.NewOutput(out)
	log.Infof("Extracting %d partitions from %s", len(c.parts), in.Name)
	opts.Advance(headerSize)

	for i, p := range c.parts {
		log.WithFields(log.Fields{
			"offset": fmt.Sprintf("%#x", p.offset),
			"size":   humanize.Bytes(uint64(p.Size)),
			"flags":  fmt.Sprintf("%#x", p.Flags),
		}).Debug(p.String())

		if err := c.extractPartition(in, p, i, o, opts); err != nil {
			return o.Files(), errors.Wrapf(err, "partition %s at %#x", p, p.offset)
		}
		opts.Advance(partHdrSize + int64(p.Size))
	}
	return o.Files(), nil
}

func (c *context) extractPartition(in *formats.Input, p partition, index int, o *formats.Output, opts *formats.Options) error {
	body, err := in.Slice(p.offset, int64(p.Size))
	if err != nil {
		return err
	}

	if p.Flags&partEncrypted != 0 {
		if c.key == nil {
			return fmt.Errorf("no key recovered for encrypted partition")
		}
		plain, err := keys.Decrypt(c.mode, c.key.Key, c.key.IV, body)
		if err != nil {
			return errors.Wrap(err, "failed to decrypt partition")
		}
		var pre preamble
		if err := binary.Read(bytes.NewReader(plain), binary.LittleEndian, &pre); err != nil {
			return errors.Wrap(err, "failed to parse partition preamble")
		}
		if !bytes.Equal(pre.Magic[:], preambleMagic) {
			return fmt.Errorf("bad preamble magic %x after decryption", pre.Magic)
		}
		if int64(pre.Length) > int64(len(plain)-preambleSize) {
			return fmt.Errorf("preamble length %d exceeds partition payload %d", pre.Length, len(plain)-preambleSize)
		}
		body = plain[preambleSize : preambleSize+int(pre.Length)]
	}

	if p.Flags&partLZMA != 0 {
		data, err := comp.Decode(comp.LZMA, body, comp.SideInfo{})
		if err != nil {
			if !comp.IsCodecError(err) {
				return err
			}
			log.WithError(err).Warnf("partition %s: keeping %d decoded bytes", p, len(data))
			if opts != nil && opts.KeepRaw {
				if _, err := o.WriteFile(o.Name(p.String(), index, "lzma"), body); err != nil {
					return err
				}
			}
		}
		body = data
	}

	if p.Flags&partSparse != 0 && sparse.IsSparse(body) {
		f, err := o.Create(o.Name(p.String(), index, "img"))
		if err != nil {
			return err
		}
		defer f.Close()
		hdr, err := sparse.Reconstruct(bytes.NewReader(body), f)
		if err != nil {
			return errors.Wrap(err, "failed to reconstruct sparse image")
		}
		log.WithField("size", humanize.Bytes(uint64(hdr.Size()))).Debug("sparse image reconstructed")
		return nil
	}
	if p.Flags&partSparse != 0 {
		log.Warnf("partition %s is flagged sparse but has no sparse header", p)
	}

	_, err = o.WriteFile(o.Name(p.String(), index, "bin"), body)
	return err
}
