// Package extract contains the extract commands.
package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/fwextract/internal/config"
	"github.com/blacktop/fwextract/pkg/formats"
	"github.com/blacktop/fwextract/pkg/formats/catalog"
	"github.com/blacktop/fwextract/pkg/keys"
	"github.com/dustin/go-humanize"
)

var errUnknownFormat = errors.New("unknown format")

// Config is the extract command configuration.
type Config struct {
	// path to the firmware image
	Input string `json:"input,omitempty"`
	// output directory to write extracted files to
	Output string `json:"output,omitempty"`
	// YAML key database merged after the builtin keys
	KeyDB string `json:"key_db,omitempty"`
	// hex dump decrypted headers and tables
	DumpHeaders bool `json:"dump_headers,omitempty"`
	// keep compressed artifacts and raw bytes of failed segments
	KeepRaw bool `json:"keep_raw,omitempty"`
	// show a progress bar when stderr is a terminal
	Progress bool `json:"progress,omitempty"`
	// only try this format instead of probing all of them
	Format string `json:"format,omitempty"`
}

func (c *Config) registry() (*formats.Registry, error) {
	reg := catalog.Default()
	if c.Format == "" {
		return reg, nil
	}
	f, ok := reg.Lookup(c.Format)
	if !ok {
		return nil, fmt.Errorf("%w %q: run 'fwextract formats' to list them", errUnknownFormat, c.Format)
	}
	return formats.NewRegistry(f)
}

// Keys returns the builtin key catalog merged with the key database.
func Keys(keyDB string) (keys.Catalog, error) {
	if keyDB == "" {
		return catalog.Builtin(), nil
	}
	extra, err := config.LoadKeys(keyDB)
	if err != nil {
		return nil, fmt.Errorf("failed to load key database: %w", err)
	}
	return keys.Merge(catalog.Builtin(), extra), nil
}

func (c *Config) options() (*formats.Options, error) {
	cat, err := Keys(c.KeyDB)
	if err != nil {
		return nil, err
	}
	return &formats.Options{Keys: cat, DumpHeaders: c.DumpHeaders, KeepRaw: c.KeepRaw}, nil
}

func open(path string) (*formats.Input, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	log.WithFields(log.Fields{
		"file": filepath.Base(path),
		"size": humanize.Bytes(uint64(fi.Size())),
	}).Debug("Opening firmware")
	return formats.Open(path)
}

// Firmware detects the format of the input and extracts it.
func Firmware(c *Config) (*formats.Result, error) {
	if c.Output == "" {
		return nil, errors.New("no output directory given")
	}
	reg, err := c.registry()
	if err != nil {
		return nil, err
	}
	opts, err := c.options()
	if err != nil {
		return nil, err
	}
	in, err := open(c.Input)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	if !c.Progress || !isTerminal(os.Stderr) {
		return reg.Dispatch(in, c.Output, opts)
	}
	pr := newProgress(os.Stderr, in.Base(), in.Size())
	opts.Progress = pr.incr
	res, err := reg.Dispatch(in, c.Output, opts)
	pr.done(err)
	return res, err
}

// Detect returns the name of the format the input is in.
func Detect(c *Config) (string, error) {
	reg, err := c.registry()
	if err != nil {
		return "", err
	}
	opts, err := c.options()
	if err != nil {
		return "", err
	}
	in, err := open(c.Input)
	if err != nil {
		return "", err
	}
	defer in.Close()

	f, err := reg.Detect(in, opts)
	if err != nil {
		return "", err
	}
	return f.Name(), nil
}

// FormatKeys is the key material of one format.
type FormatKeys struct {
	Format string
	keys.Set
}

// ListKeys returns the effective key catalog in probe order.
func ListKeys(keyDB string) ([]FormatKeys, error) {
	cat, err := Keys(keyDB)
	if err != nil {
		return nil, err
	}
	var out []FormatKeys
	seen := make(map[string]bool)
	for _, f := range catalog.Formats() {
		if s, ok := cat[f.Name()]; ok {
			out = append(out, FormatKeys{Format: f.Name(), Set: s})
			seen[f.Name()] = true
		}
	}
	// key database entries for formats that are not registered
	var rest []string
	for name := range cat {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		log.Warnf("key database lists unknown format %q", name)
		out = append(out, FormatKeys{Format: name, Set: cat[name]})
	}
	return out, nil
}
