// Package keys recovers the symmetric key of an encrypted firmware container by
// trial decryption against a small table of candidate keys.
package keys

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/apex/log"
)

// ErrNotFound is returned when no candidate reproduces the expected plaintext.
var ErrNotFound = errors.New("keys: no candidate key matched")

// Mode is the block cipher mode used by a container.
type Mode uint8

const (
	ECB Mode = iota
	CBC
)

func (m Mode) String() string {
	switch m {
	case ECB:
		return "aes-ecb"
	case CBC:
		return "aes-cbc"
	default:
		return fmt.Sprintf("unknown(%d)", m)
	}
}

// Candidate is one entry of a key table.
type Candidate struct {
	Key   []byte
	IV    []byte
	Label string
}

func (c Candidate) String() string {
	if c.Label != "" {
		return c.Label
	}
	return hex.EncodeToString(c.Key)
}

// Set is the key material known for one format.
type Set struct {
	Keys        []Candidate
	Passphrases []string
}

// Catalog maps a format name to its key material.
type Catalog map[string]Set

// Lookup returns the set registered for name, or builtin when the catalog has none.
func (c Catalog) Lookup(name string, builtin Set) Set {
	if c == nil {
		return builtin
	}
	if s, ok := c[name]; ok && (len(s.Keys) > 0 || len(s.Passphrases) > 0) {
		return s
	}
	return builtin
}

// Merge returns a catalog holding the builtin sets followed by any extra material.
func Merge(builtin, extra Catalog) Catalog {
	out := make(Catalog, len(builtin)+len(extra))
	for name, s := range builtin {
		out[name] = Set{
			Keys:        append([]Candidate(nil), s.Keys...),
			Passphrases: append([]string(nil), s.Passphrases...),
		}
	}
	for name, s := range extra {
		cur := out[name]
		cur.Keys = append(cur.Keys, s.Keys...)
		cur.Passphrases = append(cur.Passphrases, s.Passphrases...)
		out[name] = cur
	}
	return out
}

// MustHex decodes a hex string and panics on malformed input; it is meant for
// static key tables.
func MustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(fmt.Sprintf("keys: bad hex %q: %v", s, err))
	}
	return b
}

func newBlock(key []byte) (cipher.Block, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %v", err)
	}
	return block, nil
}

func ivFor(iv []byte) ([]byte, error) {
	if len(iv) == 0 {
		return make([]byte, aes.BlockSize), nil
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	return iv, nil
}

// Decrypt decrypts src into a new buffer. Only the block aligned prefix is
// decrypted; a trailing partial block is copied through unchanged.
func Decrypt(mode Mode, key, iv, src []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	n := len(src) &^ (aes.BlockSize - 1)
	switch mode {
	case ECB:
		for i := 0; i < n; i += aes.BlockSize {
			block.Decrypt(dst[i:i+aes.BlockSize], src[i:i+aes.BlockSize])
		}
	case CBC:
		v, err := ivFor(iv)
		if err != nil {
			return nil, err
		}
		cipher.NewCBCDecrypter(block, v).CryptBlocks(dst[:n], src[:n])
	default:
		return nil, fmt.Errorf("unsupported cipher mode: %s", mode)
	}
	copy(dst[n:], src[n:])
	return dst, nil
}

// Encrypt is the inverse of Decrypt.
func Encrypt(mode Mode, key, iv, src []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	n := len(src) &^ (aes.BlockSize - 1)
	switch mode {
	case ECB:
		for i := 0; i < n; i += aes.BlockSize {
			block.Encrypt(dst[i:i+aes.BlockSize], src[i:i+aes.BlockSize])
		}
	case CBC:
		v, err := ivFor(iv)
		if err != nil {
			return nil, err
		}
		cipher.NewCBCEncrypter(block, v).CryptBlocks(dst[:n], src[:n])
	default:
		return nil, fmt.Errorf("unsupported cipher mode: %s", mode)
	}
	copy(dst[n:], src[n:])
	return dst, nil
}

// Matcher reports whether a trial plaintext is the one expected.
type Matcher func(plain []byte) bool

// Prefix matches plaintexts holding expected at offset.
func Prefix(expected []byte, offset int) Matcher {
	return func(plain []byte) bool {
		if offset < 0 || offset+len(expected) > len(plain) {
			return false
		}
		return bytes.Equal(plain[offset:offset+len(expected)], expected)
	}
}

// Recover decrypts sample with every candidate in table order and returns the
// first one whose plaintext satisfies match. A candidate that cannot decrypt
// the sample at all is treated as a non-match.
func Recover(sample []byte, candidates []Candidate, mode Mode, match Matcher) (*Candidate, error) {
	for i := range candidates {
		c := candidates[i]
		plain, err := Decrypt(mode, c.Key, c.IV, sample)
		if err != nil {
			log.WithError(err).WithField("candidate", c.String()).Debug("skipping key candidate")
			continue
		}
		if match(plain) {
			log.WithFields(log.Fields{
				"candidate": c.String(),
				"index":     i,
				"mode":      mode.String(),
			}).Debug("key candidate matched")
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// RecoverPrefix is Recover with a Prefix matcher.
func RecoverPrefix(sample []byte, candidates []Candidate, mode Mode, expected []byte, offset int) (*Candidate, error) {
	return Recover(sample, candidates, mode, Prefix(expected, offset))
}

// RecoverPassphrase derives a key and IV for every passphrase and returns the
// first derived candidate whose plaintext satisfies match.
func RecoverPassphrase(sample []byte, passphrases []string, salt []byte, d Deriver, mode Mode, match Matcher) (*Candidate, error) {
	for _, pass := range passphrases {
		c, err := d.Derive(pass, salt)
		if err != nil {
			log.WithError(err).Debug("skipping passphrase")
			continue
		}
		found, err := Recover(sample, []Candidate{c}, mode, match)
		if err == nil {
			return found, nil
		}
	}
	return nil, ErrNotFound
}
