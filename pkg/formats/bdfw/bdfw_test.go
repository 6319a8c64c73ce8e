package bdfw

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/fwextract/pkg/formats"
	"github.com/blacktop/fwextract/pkg/hufflz"
	"github.com/blacktop/fwextract/pkg/keys"
)

type moduleSpec struct {
	name     string
	data     []byte
	load     uint32
	method   uint8
	segments int
	badSum   bool
}

type bundleOpts struct {
	key      []byte
	version  uint32
	tocCount int // overrides the table count when non-zero
	tocMagic string
}

func encrypt(t *testing.T, key, b []byte) []byte {
	t.Helper()
	out, err := keys.Encrypt(keys.ECB, key, nil, b)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func buildBundle(t *testing.T, bo bundleOpts, mods []moduleSpec) []byte {
	t.Helper()
	base := tocOffset + tocHdrSize + len(mods)*recordSize

	var data bytes.Buffer
	records := make([]Module, len(mods))
	for i, m := range mods {
		stream := m.data
		if m.method == methodHUFFLZ {
			var err error
			if stream, err = hufflz.Compress(m.data, m.load); err != nil {
				t.Fatal(err)
			}
		}
		sum := hufflz.Checksum(m.data)
		if m.badSum {
			sum++
		}
		records[i] = Module{
			Offset:      uint32(base + data.Len()),
			Size:        uint32(len(m.data)),
			LoadAddress: m.load,
			Checksum:    sum,
			Method:      m.method,
		}
		copy(records[i].Name[:], m.name)

		n := max(m.segments, 1)
		chunk := (len(stream) + n - 1) / n
		for j := 0; j < n; j++ {
			part := stream[min(j*chunk, len(stream)):min((j+1)*chunk, len(stream))]
			hdr := make([]byte, 16)
			binary.LittleEndian.PutUint32(hdr[0:], uint32(j))
			binary.LittleEndian.PutUint32(hdr[4:], uint32(n))
			binary.LittleEndian.PutUint32(hdr[8:], uint32(len(part)))
			binary.LittleEndian.PutUint32(hdr[12:], uint32(len(stream)))
			data.Write(encrypt(t, bo.key, hdr))
			data.Write(encrypt(t, bo.key, part))
		}
	}

	hdr := Header{Version: bo.version, ModuleCount: uint32(len(mods))}
	copy(hdr.Magic[:], magic)
	toc := tocHeader{Count: uint32(len(mods))}
	if bo.tocCount != 0 {
		toc.Count = uint32(bo.tocCount)
	}
	copy(toc.Magic[:], tocMagic)
	if bo.tocMagic != "" {
		copy(toc.Magic[:], bo.tocMagic)
	}

	var table bytes.Buffer
	binary.Write(&table, binary.LittleEndian, toc)
	binary.Write(&table, binary.LittleEndian, records)

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, hdr)
	out.Write(encrypt(t, bo.key, table.Bytes()))
	out.Write(data.Bytes())
	return out.Bytes()
}

func thumbCode(n int) []byte {
	code := make([]byte, 0, n*8)
	for i := 0; i < n; i++ {
		code = append(code, byte(i), 0xF0|byte(i%8), byte(i*5), 0xF8|byte(i%3), 0x00, 0xBF, 0x70, 0x47)
	}
	return code
}

var testModules = []moduleSpec{
	{name: "main", data: thumbCode(600), load: 0x00100000, method: methodHUFFLZ, segments: 3},
	{name: "boot", data: bytes.Repeat([]byte("bootloader"), 40), method: methodStored, segments: 1},
	{name: "servo", data: bytes.Repeat([]byte{0x00, 0x01, 0x02, 0xFF}, 300), load: 0x4000, method: methodHUFFLZ, segments: 2},
}

func TestExtract(t *testing.T) {
	data := buildBundle(t, bundleOpts{key: Builtin.Keys[1].Key, version: version}, testModules)
	reg, err := formats.NewRegistry(Format())
	if err != nil {
		t.Fatal(err)
	}

	out := t.TempDir()
	res, err := reg.Dispatch(formats.NewInput("drive.bin", data), out, &formats.Options{KeepRaw: true})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	// two HUFFLZ modules also keep their compressed stream
	if len(res.Files) != len(testModules)+2 {
		t.Errorf("Dispatch() files = %v", res.Files)
	}
	for _, m := range testModules {
		got, err := os.ReadFile(filepath.Join(out, m.name+".bin"))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, m.data) {
			t.Errorf("%s: decoded %d bytes differ from original %d", m.name, len(got), len(m.data))
		}
	}
	if _, err := os.Stat(filepath.Join(out, "main.hlz")); err != nil {
		t.Errorf("compressed module not kept: %v", err)
	}
}

func TestChecksumMismatchIsAWarning(t *testing.T) {
	mods := []moduleSpec{{name: "main", data: thumbCode(64), load: 0x8000, method: methodHUFFLZ, segments: 1, badSum: true}}
	data := buildBundle(t, bundleOpts{key: Builtin.Keys[0].Key, version: version}, mods)

	out := t.TempDir()
	in := formats.NewInput("drive.bin", data)
	c, err := detect(in, nil)
	if err != nil {
		t.Fatalf("detect() error = %v", err)
	}
	if _, err := extract(in, c, out, nil); err != nil {
		t.Fatalf("extract() error = %v", err)
	}
	got, err := os.ReadFile(filepath.Join(out, "main.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, mods[0].data) {
		t.Error("module with bad checksum was not written")
	}
}

func TestDetect(t *testing.T) {
	unknown := keys.MustHex("0f0e0d0c0b0a09080706050403020100")

	tests := []struct {
		name    string
		data    func(t *testing.T) []byte
		wantErr error
	}{
		{
			name: "not a bundle",
			data: func(t *testing.T) []byte {
				return bytes.Repeat([]byte{0}, 256)
			},
			wantErr: formats.ErrNoMatch,
		},
		{
			name: "version 2",
			data: func(t *testing.T) []byte {
				return buildBundle(t, bundleOpts{key: Builtin.Keys[0].Key, version: 2}, testModules[1:2])
			},
			wantErr: formats.ErrUnsupported,
		},
		{
			name: "unknown key",
			data: func(t *testing.T) []byte {
				return buildBundle(t, bundleOpts{key: unknown, version: version}, testModules[1:2])
			},
			wantErr: keys.ErrNotFound,
		},
		{
			name: "table count disagrees with header",
			data: func(t *testing.T) []byte {
				return buildBundle(t, bundleOpts{key: Builtin.Keys[0].Key, version: version, tocCount: 5}, testModules[1:2])
			},
			wantErr: ErrEntryCount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := detect(formats.NewInput("drive.bin", tt.data(t)), &formats.Options{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("detect() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
