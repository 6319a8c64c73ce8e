// Package formats identifies firmware containers and dispatches them to the
// driver that knows how to unpack them.
package formats

import (
	"errors"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/blacktop/fwextract/internal/utils"
	"github.com/blacktop/fwextract/pkg/keys"
)

var (
	// ErrNoMatch is returned by a detector when the input is not its format.
	ErrNoMatch = errors.New("format does not match")
	// ErrUnrecognized is returned when no registered format matches the input.
	ErrUnrecognized = errors.New("unrecognized firmware format")
	// ErrUnsupported is matched by every UnsupportedError.
	ErrUnsupported = errors.New("unsupported format variant")
)

// UnsupportedError is returned when the input is a known format in a variant
// that cannot be unpacked.
type UnsupportedError struct {
	Format  string
	Variant string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s: unsupported variant: %s", e.Format, e.Variant)
}

func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupported
}

// Unsupported returns an *UnsupportedError for format.
func Unsupported(format, variant string, args ...any) error {
	return &UnsupportedError{Format: format, Variant: fmt.Sprintf(variant, args...)}
}

// Options are the per-call extraction settings.
type Options struct {
	// Keys overrides or extends the builtin key tables, keyed by format name.
	Keys keys.Catalog
	// DumpHeaders prints decrypted headers and tables.
	DumpHeaders bool
	// KeepRaw retains compressed artifacts next to their decoded output.
	KeepRaw bool
	// Progress is called with the number of input bytes each extraction
	// step consumed.
	Progress func(n int64)
}

// KeySet returns the key material for format, falling back to builtin.
func (o *Options) KeySet(format string, builtin keys.Set) keys.Set {
	if o == nil {
		return builtin
	}
	return o.Keys.Lookup(format, builtin)
}

// Advance reports n consumed input bytes to Progress.
func (o *Options) Advance(n int64) {
	if o == nil || o.Progress == nil || n <= 0 {
		return
	}
	o.Progress(n)
}

// Dump hex dumps a decrypted structure when DumpHeaders is set.
func (o *Options) Dump(label string, data []byte, offset uint64) {
	if o == nil || !o.DumpHeaders {
		return
	}
	log.Info(label)
	fmt.Fprint(os.Stdout, utils.HexDump(data, offset))
}

// Format is a registered firmware format.
type Format interface {
	Name() string
	Description() string
	// probe runs detection and, on a match, returns the extraction bound to
	// the detector's context.
	probe(in *Input, opts *Options) (extractFunc, error)
}

type extractFunc func(out string) ([]string, error)

// Descriptor implements Format for a driver whose detector produces a
// context of type C that is handed unchanged to its extractor.
type Descriptor[C any] struct {
	ID      string
	Summary string
	Detect  func(in *Input, opts *Options) (C, error)
	Extract func(in *Input, c C, out string, opts *Options) ([]string, error)
}

func (d *Descriptor[C]) Name() string        { return d.ID }
func (d *Descriptor[C]) Description() string { return d.Summary }

func (d *Descriptor[C]) probe(in *Input, opts *Options) (extractFunc, error) {
	c, err := d.Detect(in, opts)
	if err != nil {
		return nil, err
	}
	return func(out string) ([]string, error) {
		return d.Extract(in, c, out, opts)
	}, nil
}
