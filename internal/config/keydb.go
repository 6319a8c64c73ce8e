package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/fwextract/pkg/keys"
	yaml "gopkg.in/yaml.v3"
)

// KeyEntry is one key of the key database.
type KeyEntry struct {
	Label string `yaml:"label,omitempty"`
	Key   string `yaml:"key"`
	IV    string `yaml:"iv,omitempty"`
}

// KeySet is the key material listed for one format.
type KeySet struct {
	Keys        []KeyEntry `yaml:"keys,omitempty"`
	Passphrases []string   `yaml:"passphrases,omitempty"`
}

// KeyDB maps a format name to its key material.
type KeyDB map[string]KeySet

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(s), " ", ""), "0x")
	return hex.DecodeString(s)
}

// Catalog converts the database into key candidates.
func (db KeyDB) Catalog() (keys.Catalog, error) {
	cat := make(keys.Catalog, len(db))
	for format, set := range db {
		var out keys.Set
		for i, e := range set.Keys {
			key, err := decodeHex(e.Key)
			if err != nil {
				return nil, fmt.Errorf("%s: key %d: %v", format, i, err)
			}
			switch len(key) {
			case 16, 24, 32:
			default:
				return nil, fmt.Errorf("%s: key %d: invalid AES key length %d", format, i, len(key))
			}
			c := keys.Candidate{Key: key, Label: e.Label}
			if e.IV != "" {
				if c.IV, err = decodeHex(e.IV); err != nil {
					return nil, fmt.Errorf("%s: key %d: iv: %v", format, i, err)
				}
				if len(c.IV) != 16 {
					return nil, fmt.Errorf("%s: key %d: IV must be 16 bytes, got %d", format, i, len(c.IV))
				}
			}
			out.Keys = append(out.Keys, c)
		}
		out.Passphrases = append(out.Passphrases, set.Passphrases...)
		cat[format] = out
	}
	return cat, nil
}

// LoadKeys reads the YAML key database at path.
func LoadKeys(path string) (keys.Catalog, error) {
	f, err := os.Open(path) // #nosec
	if err != nil {
		return nil, err
	}
	defer f.Close()
	log.WithField("file", path).Debug("loading key database")
	return LoadKeysReader(f)
}

// LoadKeysReader reads a YAML key database from r.
func LoadKeysReader(r io.Reader) (keys.Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var db KeyDB
	if err := yaml.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("config: failed to parse key database: %v", err)
	}
	return db.Catalog()
}
