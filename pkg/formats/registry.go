package formats

import (
	"errors"
	"fmt"

	"github.com/apex/log"
)

// Registry holds formats in probe order.
type Registry struct {
	formats []Format
}

// NewRegistry returns a registry probing fs in the given order.
func NewRegistry(fs ...Format) (*Registry, error) {
	r := &Registry{}
	for _, f := range fs {
		if err := r.Register(f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends f to the probe order.
func (r *Registry) Register(f Format) error {
	for _, have := range r.formats {
		if have.Name() == f.Name() {
			return fmt.Errorf("format %s already registered", f.Name())
		}
	}
	r.formats = append(r.formats, f)
	return nil
}

// Formats returns the registered formats in probe order.
func (r *Registry) Formats() []Format {
	return append([]Format(nil), r.formats...)
}

// Lookup returns the format registered as name.
func (r *Registry) Lookup(name string) (Format, bool) {
	for _, f := range r.formats {
		if f.Name() == name {
			return f, true
		}
	}
	return nil, false
}

func (r *Registry) detect(in *Input, opts *Options) (Format, extractFunc, error) {
	if opts == nil {
		opts = &Options{}
	}
	for _, f := range r.formats {
		extract, err := f.probe(in, opts)
		switch {
		case err == nil:
			log.WithField("format", f.Name()).Debug("Detected format")
			return f, extract, nil
		case errors.Is(err, ErrNoMatch):
			log.WithField("format", f.Name()).Debug("No match")
		default:
			// the format claimed the input but cannot handle it
			return f, nil, fmt.Errorf("%s: %w", f.Name(), err)
		}
	}
	return nil, nil, ErrUnrecognized
}

// Detect returns the first format whose detector accepts in.
func (r *Registry) Detect(in *Input, opts *Options) (Format, error) {
	f, _, err := r.detect(in, opts)
	return f, err
}

// Result is the outcome of a dispatch.
type Result struct {
	Format string
	Files  []string
}

// Dispatch detects the format of in and extracts it into out.
func (r *Registry) Dispatch(in *Input, out string, opts *Options) (*Result, error) {
	f, extract, err := r.detect(in, opts)
	if err != nil {
		return nil, err
	}
	files, err := extract(out)
	res := &Result{Format: f.Name(), Files: files}
	if err != nil {
		return res, fmt.Errorf("%s: %w", f.Name(), err)
	}
	return res, nil
}
