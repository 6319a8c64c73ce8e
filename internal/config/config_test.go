package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

const testKeyDB = `
epk3:
  keys:
    - label: lab-2020
      key: 00112233445566778899aabbccddeeff
fwtoc:
  keys:
    - key: "0x2b7e1516 28aed2a6 abf71588 09cf4f3c"
      iv: 000102030405060708090a0b0c0d0e0f
mtk:
  passphrases: [hunter2, correct-horse]
`

func TestLoadKeysReader(t *testing.T) {
	cat, err := LoadKeysReader(strings.NewReader(testKeyDB))
	if err != nil {
		t.Fatalf("LoadKeysReader() error = %v", err)
	}
	if got := cat["epk3"].Keys; len(got) != 1 || got[0].Label != "lab-2020" || len(got[0].Key) != 16 {
		t.Errorf("epk3 keys = %+v", got)
	}
	fw := cat["fwtoc"].Keys
	if len(fw) != 1 || fw[0].Key[0] != 0x2b || len(fw[0].IV) != 16 {
		t.Errorf("fwtoc keys = %+v", fw)
	}
	if got := cat["mtk"].Passphrases; len(got) != 2 || got[1] != "correct-horse" {
		t.Errorf("mtk passphrases = %v", got)
	}
}

func TestLoadKeysErrors(t *testing.T) {
	tests := []struct {
		name string
		db   string
		want string
	}{
		{name: "bad hex", db: "epk3:\n  keys:\n    - key: zz\n", want: "epk3: key 0"},
		{name: "short key", db: "epk3:\n  keys:\n    - key: 0011\n", want: "invalid AES key length 2"},
		{name: "short iv", db: "fwtoc:\n  keys:\n    - key: 00112233445566778899aabbccddeeff\n      iv: 00\n", want: "IV must be 16 bytes"},
		{name: "not yaml", db: "epk3: [", want: "failed to parse key database"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadKeysReader(strings.NewReader(tt.db))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("LoadKeysReader() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte(testKeyDB), 0o600); err != nil {
		t.Fatal(err)
	}
	cat, err := LoadKeys(path)
	if err != nil {
		t.Fatalf("LoadKeys() error = %v", err)
	}
	if len(cat) != 3 {
		t.Errorf("LoadKeys() formats = %d, want 3", len(cat))
	}
	if _, err := LoadKeys(path + ".missing"); err == nil {
		t.Error("LoadKeys() on a missing file succeeded")
	}
}

func TestLoadConfig(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(keyPath, []byte(testKeyDB), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, c *Config)
	}{
		{
			name: "extract settings",
			yaml: "keys: " + keyPath + "\nextract:\n  keep-raw: true\n  output: /tmp/out\n",
			check: func(t *testing.T, c *Config) {
				if !c.Extract.KeepRaw || c.Extract.DumpHeaders || c.Extract.Output != "/tmp/out" || c.Keys != keyPath {
					t.Errorf("LoadConfig() = %+v", c)
				}
			},
		},
		{
			name:    "missing key database",
			yaml:    "keys: " + keyPath + ".missing\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			viper.SetConfigType("yaml")
			if err := viper.ReadConfig(bytes.NewBufferString(tt.yaml)); err != nil {
				t.Fatal(err)
			}
			c, err := LoadConfig()
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, c)
			}
		})
	}
}
