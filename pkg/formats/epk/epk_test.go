package epk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/fwextract/pkg/comp"
	"github.com/blacktop/fwextract/pkg/formats"
	"github.com/blacktop/fwextract/pkg/keys"
)

type pkgSpec struct {
	name     string
	alg      comp.Algorithm
	segments [][]byte
}

type buildOpts struct {
	key     []byte
	sigSize int
	version uint32
}

func enc(t *testing.T, key, b []byte) []byte {
	t.Helper()
	out, err := keys.Encrypt(keys.ECB, key, nil, b)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func buildEPK(t *testing.T, bo buildOpts, pkgs []pkgSpec) []byte {
	t.Helper()
	sig := bytes.Repeat([]byte{0xA5}, bo.sigSize)
	base := headerSize + bo.sigSize + len(pkgs)*recordSize
	count := 1

	var data bytes.Buffer
	records := make([]Package, len(pkgs))
	for i, p := range pkgs {
		phys := base + data.Len()
		records[i] = Package{
			Offset:      uint32(phys - bo.sigSize*count),
			Segments:    uint32(len(p.segments)),
			Compression: uint32(p.alg),
		}
		copy(records[i].Name[:], p.name)

		var total uint32
		for _, s := range p.segments {
			total += uint32(len(s))
		}
		for j, s := range p.segments {
			payload, err := comp.Compress(s, p.alg)
			if err != nil {
				t.Fatal(err)
			}
			records[i].Size += uint32(len(payload))
			hdr := make([]byte, 16)
			binary.LittleEndian.PutUint32(hdr[0:], uint32(j))
			binary.LittleEndian.PutUint32(hdr[4:], uint32(len(p.segments)))
			binary.LittleEndian.PutUint32(hdr[8:], uint32(len(payload)))
			binary.LittleEndian.PutUint32(hdr[12:], total)

			data.Write(sig)
			count++
			data.Write(enc(t, bo.key, hdr))
			data.Write(enc(t, bo.key, payload))
		}
	}

	hdr := Header{Version: bo.version, PackageCount: uint32(len(pkgs)), SignatureSize: uint32(bo.sigSize)}
	copy(hdr.Magic[:], magic)
	copy(hdr.OTAID[:], "OTA-TEST-0001")

	var plainHdr, table bytes.Buffer
	binary.Write(&plainHdr, binary.LittleEndian, hdr)
	binary.Write(&table, binary.LittleEndian, records)

	var out bytes.Buffer
	out.Write(enc(t, bo.key, plainHdr.Bytes()))
	out.Write(sig)
	out.Write(enc(t, bo.key, table.Bytes()))
	out.Write(data.Bytes())
	return out.Bytes()
}

var testPackages = []pkgSpec{
	{name: "kernel", alg: comp.NONE, segments: [][]byte{bytes.Repeat([]byte("kern"), 70)}},
	{name: "rootfs", alg: comp.ZLIB, segments: [][]byte{
		bytes.Repeat([]byte("rootfs block one "), 50),
		bytes.Repeat([]byte("rootfs block two "), 50),
		bytes.Repeat([]byte("rootfs tail "), 9),
	}},
	{name: "tzfw", alg: comp.XZ, segments: [][]byte{bytes.Repeat([]byte{0x42}, 333)}},
}

func TestExtractWithSecondKey(t *testing.T) {
	data := buildEPK(t, buildOpts{key: Builtin.Keys[1].Key, sigSize: 256, version: version}, testPackages)
	in := formats.NewInput("firmware.epk", data)

	// detection recovers the key once
	c, err := detect(in, &formats.Options{})
	if err != nil {
		t.Fatalf("detect() error = %v", err)
	}
	if c.key.Label != "epk3-2019" {
		t.Fatalf("detect() key = %s, want epk3-2019", c.key.Label)
	}

	// and the dispatcher hands the same context to extraction
	reg, err := formats.NewRegistry(Format())
	if err != nil {
		t.Fatal(err)
	}
	out := t.TempDir()
	var consumed int64
	res, err := reg.Dispatch(in, out, &formats.Options{Progress: func(n int64) { consumed += n }})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Format != Name || len(res.Files) != len(testPackages) {
		t.Fatalf("Dispatch() = %+v", res)
	}
	if consumed != int64(len(data)) {
		t.Errorf("progress = %d bytes, want %d", consumed, len(data))
	}
	for _, p := range testPackages {
		got, err := os.ReadFile(filepath.Join(out, p.name+".pak"))
		if err != nil {
			t.Fatal(err)
		}
		if want := bytes.Join(p.segments, nil); !bytes.Equal(got, want) {
			t.Errorf("%s: got %d bytes, want %d", p.name, len(got), len(want))
		}
	}
}

func TestDetect(t *testing.T) {
	custom := keys.Candidate{Key: keys.MustHex("00112233445566778899aabbccddeeff"), Label: "db"}

	tests := []struct {
		name    string
		bo      buildOpts
		opts    *formats.Options
		wantErr error
	}{
		{
			name: "key from key database",
			bo:   buildOpts{key: custom.Key, sigSize: 128, version: version},
			opts: &formats.Options{Keys: keys.Catalog{Name: {Keys: []keys.Candidate{custom}}}},
		},
		{
			name:    "unknown key is not this format",
			bo:      buildOpts{key: custom.Key, sigSize: 128, version: version},
			opts:    &formats.Options{},
			wantErr: formats.ErrNoMatch,
		},
		{
			name:    "newer version",
			bo:      buildOpts{key: Builtin.Keys[0].Key, sigSize: 128, version: 4},
			opts:    &formats.Options{},
			wantErr: formats.ErrUnsupported,
		},
		{
			name:    "odd signature size",
			bo:      buildOpts{key: Builtin.Keys[2].Key, sigSize: 64, version: version},
			opts:    &formats.Options{},
			wantErr: formats.ErrUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := buildEPK(t, tt.bo, testPackages[:1])
			_, err := detect(formats.NewInput("fw.epk", data), tt.opts)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("detect() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("detect() error = %v", err)
			}
		})
	}
}

func TestExtractKeepsRawOnCodecFailure(t *testing.T) {
	data := buildEPK(t, buildOpts{key: Builtin.Keys[0].Key, sigSize: 128, version: version}, []pkgSpec{
		{name: "bad", alg: comp.NONE, segments: [][]byte{[]byte("not really gzip data")}},
	})
	in := formats.NewInput("fw.epk", data)
	c, err := detect(in, nil)
	if err != nil {
		t.Fatal(err)
	}
	// claim the package is gzip compressed
	c.packages[0].Compression = uint32(comp.GZIP)

	out := t.TempDir()
	files, err := extract(in, c, out, &formats.Options{KeepRaw: true})
	if err != nil {
		t.Fatalf("extract() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("extract() files = %v", files)
	}
	raw, err := os.ReadFile(filepath.Join(out, "bad.seg0.raw"))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "not really gzip data" {
		t.Errorf("raw segment = %q", raw)
	}
}
