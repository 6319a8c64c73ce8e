package keys

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Deriver turns a passphrase and a per-file salt into a key candidate.
type Deriver interface {
	Derive(passphrase string, salt []byte) (Candidate, error)
}

// HashDeriver derives the key by hashing passphrase||salt and re-hashing the
// digest Rounds-1 more times. The IV is the hash of the full key digest.
type HashDeriver struct {
	Hash   func() hash.Hash
	Rounds int
	KeyLen int
}

func (d HashDeriver) Derive(passphrase string, salt []byte) (Candidate, error) {
	newHash := d.Hash
	if newHash == nil {
		newHash = sha256.New
	}
	rounds := max(d.Rounds, 1)
	keyLen := d.KeyLen
	if keyLen == 0 {
		keyLen = 16
	}

	h := newHash()
	h.Write([]byte(passphrase))
	h.Write(salt)
	digest := h.Sum(nil)
	for i := 1; i < rounds; i++ {
		h.Reset()
		h.Write(digest)
		digest = h.Sum(digest[:0])
	}
	if keyLen > len(digest) {
		return Candidate{}, fmt.Errorf("key length %d exceeds digest size %d", keyLen, len(digest))
	}

	h.Reset()
	h.Write(digest)
	ivDigest := h.Sum(nil)
	if len(ivDigest) < aes.BlockSize {
		return Candidate{}, fmt.Errorf("digest too short for IV: %d", len(ivDigest))
	}

	return Candidate{
		Key:   append([]byte(nil), digest[:keyLen]...),
		IV:    ivDigest[:aes.BlockSize],
		Label: passphrase,
	}, nil
}

// PBKDF2Deriver derives KeyLen+16 bytes with PBKDF2 and splits them into key and IV.
type PBKDF2Deriver struct {
	Hash       func() hash.Hash
	Iterations int
	KeyLen     int
}

func (d PBKDF2Deriver) Derive(passphrase string, salt []byte) (Candidate, error) {
	newHash := d.Hash
	if newHash == nil {
		newHash = sha256.New
	}
	if d.Iterations <= 0 {
		return Candidate{}, fmt.Errorf("invalid PBKDF2 iteration count: %d", d.Iterations)
	}
	keyLen := d.KeyLen
	if keyLen == 0 {
		keyLen = 16
	}
	out := pbkdf2.Key([]byte(passphrase), salt, d.Iterations, keyLen+aes.BlockSize, newHash)
	return Candidate{
		Key:   out[:keyLen],
		IV:    out[keyLen:],
		Label: passphrase,
	}, nil
}

// HKDFDeriver reads the key followed by the IV from an HKDF stream keyed by the
// passphrase.
type HKDFDeriver struct {
	Hash   func() hash.Hash
	Info   string
	KeyLen int
}

func (d HKDFDeriver) Derive(passphrase string, salt []byte) (Candidate, error) {
	newHash := d.Hash
	if newHash == nil {
		newHash = sha256.New
	}
	keyLen := d.KeyLen
	if keyLen == 0 {
		keyLen = 16
	}
	r := hkdf.New(newHash, []byte(passphrase), salt, []byte(d.Info))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Candidate{}, fmt.Errorf("failed to derive key: %v", err)
	}
	var iv [aes.BlockSize]byte
	if err := binary.Read(r, binary.LittleEndian, &iv); err != nil {
		return Candidate{}, fmt.Errorf("failed to derive IV: %v", err)
	}
	return Candidate{Key: key, IV: iv[:], Label: passphrase}, nil
}
