package formats

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/apex/log"
	"github.com/blacktop/fwextract/internal/utils"
)

// Output creates the files of one extraction inside Dir. The directory is
// only created once the first file is written.
type Output struct {
	Dir string

	files []string
	used  map[string]int
}

// NewOutput returns an Output writing to dir.
func NewOutput(dir string) *Output {
	return &Output{Dir: dir, used: make(map[string]int)}
}

// SanitizeName turns an embedded entry name into a safe file name. It returns
// an empty string when nothing usable remains.
func SanitizeName(name string) string {
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/', r == '\\', r == ':':
			return '_'
		case r == unicode.ReplacementChar, !unicode.IsPrint(r):
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	name = strings.TrimLeft(name, ".")
	if strings.Trim(name, "_") == "" {
		return ""
	}
	return name
}

// Name returns a file name for an entry that no earlier entry of this
// extraction was given. Entries without a usable name are named by index.
func (o *Output) Name(name string, index int, ext string) string {
	base := SanitizeName(name)
	if base == "" {
		base = fmt.Sprintf("%d", index)
	}
	if ext != "" && !strings.HasSuffix(base, "."+ext) {
		base += "." + ext
	}
	n := o.used[base]
	o.used[base] = n + 1
	if n == 0 {
		return base
	}
	e := filepath.Ext(base)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(base, e), n, e)
}

// Create creates (or truncates) name inside Dir.
func (o *Output) Create(name string) (*os.File, error) {
	if err := os.MkdirAll(o.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %v", o.Dir, err)
	}
	path := filepath.Join(o.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %v", path, err)
	}
	o.files = append(o.files, path)
	utils.Indent(log.Info, 2)("Created " + path)
	return f, nil
}

// WriteFile writes data to name inside Dir and returns its path.
func (o *Output) WriteFile(name string, data []byte) (string, error) {
	f, err := o.Create(name)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write %s: %v", f.Name(), err)
	}
	return f.Name(), f.Close()
}

// Files returns the paths created so far.
func (o *Output) Files() []string {
	return append([]string(nil), o.files...)
}
