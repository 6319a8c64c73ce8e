// Package sparseimg extracts standalone Android sparse images.
package sparseimg

import (
	"bytes"

	"github.com/apex/log"
	"github.com/blacktop/fwextract/pkg/formats"
	"github.com/blacktop/fwextract/pkg/sparse"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Name is the registry name of the format.
const Name = "sparse"

// Format returns the sparse image descriptor.
func Format() formats.Format {
	return &formats.Descriptor[*sparse.Header]{
		ID:      Name,
		Summary: "Android sparse image",
		Detect:  detect,
		Extract: extract,
	}
}

func detect(in *formats.Input, opts *formats.Options) (*sparse.Header, error) {
	if !sparse.IsSparse(in.Bytes()) {
		return nil, formats.ErrNoMatch
	}
	hdr, err := sparse.ReadHeader(bytes.NewReader(in.Bytes()))
	if err != nil {
		if errors.Is(err, sparse.ErrUnsupportedVersion) {
			return nil, formats.Unsupported(Name, "%v", err)
		}
		return nil, err
	}
	raw, _ := in.Slice(0, int64(hdr.FileHeaderSize))
	opts.Dump("sparse header", raw, 0)
	return hdr, nil
}

func extract(in *formats.Input, hdr *sparse.Header, out string, opts *formats.Options) ([]string, error) {
	o := formats.NewOutput(out)
	log.WithFields(log.Fields{
		"blocks": hdr.TotalBlocks,
		"chunks": hdr.TotalChunks,
		"size":   humanize.Bytes(uint64(hdr.Size())),
	}).Info("Reconstructing sparse image")

	f, err := o.Create(o.Name(in.Base(), 0, "img"))
	if err != nil {
		return nil, err
	}
	if _, err := sparse.Reconstruct(bytes.NewReader(in.Bytes()), f); err != nil {
		f.Close()
		return o.Files(), errors.Wrap(err, "failed to reconstruct sparse image")
	}
	if err := f.Close(); err != nil {
		return o.Files(), err
	}
	opts.Advance(in.Size())
	return o.Files(), nil
}
