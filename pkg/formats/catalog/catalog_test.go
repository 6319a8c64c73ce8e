package catalog

import (
	"errors"
	"testing"

	"github.com/blacktop/fwextract/pkg/formats"
)

func TestDefault(t *testing.T) {
	want := []string{"epk3", "bdfw", "mtk", "mtk-legacy", "fwtoc", "sparse"}
	fs := Default().Formats()
	if len(fs) != len(want) {
		t.Fatalf("Default() has %d formats, want %d", len(fs), len(want))
	}
	for i, f := range fs {
		if f.Name() != want[i] {
			t.Errorf("format %d = %s, want %s", i, f.Name(), want[i])
		}
		if f.Description() == "" {
			t.Errorf("format %s has no description", f.Name())
		}
	}
}

func TestBuiltin(t *testing.T) {
	cat := Builtin()
	for _, name := range []string{"epk3", "bdfw", "mtk-legacy", "fwtoc"} {
		if len(cat[name].Keys) == 0 {
			t.Errorf("no builtin keys for %s", name)
		}
	}
	if len(cat["mtk"].Passphrases) == 0 {
		t.Error("no builtin passphrases for mtk")
	}
}

func TestUnrecognized(t *testing.T) {
	in := formats.NewInput("random.bin", []byte("this is not firmware, just some text that fills a few blocks........"))
	if _, err := Default().Detect(in, nil); !errors.Is(err, formats.ErrUnrecognized) {
		t.Fatalf("Detect() error = %v, want %v", err, formats.ErrUnrecognized)
	}
}
