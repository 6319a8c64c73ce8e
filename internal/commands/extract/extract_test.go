package extract

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/fwextract/pkg/formats"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// a sparse image of one 1024 byte fill block
var sparseImage = []byte{
	0x3a, 0xff, 0x26, 0xed, 0x01, 0x00, 0x00, 0x00, 0x1c, 0x00, 0x0c, 0x00,
	0x00, 0x04, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
	0xc2, 0xca, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00,
	0xaa, 0xbb, 0xcc, 0xdd,
}

func TestFirmware(t *testing.T) {
	in := writeFile(t, "vendor.simg", sparseImage)
	out := t.TempDir()

	res, err := Firmware(&Config{Input: in, Output: out})
	if err != nil {
		t.Fatalf("Firmware() error = %v", err)
	}
	if res.Format != "sparse" || len(res.Files) != 1 {
		t.Fatalf("Firmware() = %+v", res)
	}
	fi, err := os.Stat(filepath.Join(out, "vendor.img"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 1024 {
		t.Errorf("vendor.img size = %d, want 1024", fi.Size())
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    string
		wantErr error
	}{
		{name: "sparse", data: sparseImage, want: "sparse"},
		{name: "unknown", data: []byte("GIF89a not a firmware image"), wantErr: formats.ErrUnrecognized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(&Config{Input: writeFile(t, "fw.bin", tt.data)})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Detect() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Detect() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestListKeys(t *testing.T) {
	db := writeFile(t, "keys.yaml", []byte("epk3:\n  keys:\n    - label: extra\n      key: 00112233445566778899aabbccddeeff\nacme:\n  passphrases: [secret]\n"))
	list, err := ListKeys(db)
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	if list[0].Format != "epk3" {
		t.Fatalf("ListKeys()[0] = %s, want epk3", list[0].Format)
	}
	epk := list[0].Keys
	if epk[len(epk)-1].Label != "extra" {
		t.Errorf("key database entry not appended: %v", epk)
	}
	if last := list[len(list)-1]; last.Format != "acme" || last.Passphrases[0] != "secret" {
		t.Errorf("ListKeys() last = %+v", last)
	}
}

func TestMissingInput(t *testing.T) {
	if _, err := Firmware(&Config{Input: filepath.Join(t.TempDir(), "nope.bin"), Output: t.TempDir()}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Firmware() error = %v, want %v", err, os.ErrNotExist)
	}
}

func TestFormatOverride(t *testing.T) {
	in := writeFile(t, "vendor.simg", sparseImage)

	tests := []struct {
		name    string
		format  string
		want    string
		wantErr error
	}{
		{name: "matching format", format: "sparse", want: "sparse"},
		{name: "other format only", format: "epk3", wantErr: formats.ErrUnrecognized},
		{name: "unknown format", format: "uboot", wantErr: errUnknownFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(&Config{Input: in, Format: tt.format})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Detect() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Detect() = %q, want %q", got, tt.want)
			}
		})
	}

	res, err := Firmware(&Config{Input: in, Output: t.TempDir(), Format: "sparse"})
	if err != nil {
		t.Fatalf("Firmware() error = %v", err)
	}
	if res.Format != "sparse" {
		t.Errorf("Firmware() format = %s, want sparse", res.Format)
	}
}
