// Package cryptor turns plaintext files into their compressed and encrypted
// mirror and back, and fingerprints file contents.
//
// An encrypted file is a 16 byte random IV followed by the AES-256-CBC
// (PKCS#7 padded) encryption of the gzip compressed plaintext.
package cryptor

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

const (
	// KeySize is the size of the derived AES-256 key.
	KeySize = 32
	// IVSize is the size of the per-file IV stored at the head of every encrypted file.
	IVSize = 16

	generatedKeyLen = 32
)

var (
	// ErrIO marks filesystem failures: unreadable sources, uncreatable destinations, short writes.
	ErrIO = errors.New("io error")
	// ErrCorruptData marks files that cannot be decrypted or decompressed.
	ErrCorruptData = errors.New("corrupt data")
	// ErrEmptyKey is returned by DeriveKey for an empty key file.
	ErrEmptyKey = errors.New("key file is empty")
)

// Key is the symmetric key used for all files of a root pair.
type Key [KeySize]byte

// DeriveKey hashes the raw bytes of the key file into a Key, so the length
// and format of the key file do not matter.
func DeriveKey(keyFilePath string) (Key, error) {
	content, err := os.ReadFile(keyFilePath)
	if err != nil {
		return Key{}, fmt.Errorf("%w: read key file: %w", ErrIO, err)
	}
	if len(content) == 0 {
		return Key{}, ErrEmptyKey
	}
	return Key(sha256.Sum256(content)), nil
}

// GenerateKeyFile writes a new random key file. It never overwrites an existing file.
func GenerateKeyFile(path string) error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	sum := sha256.Sum256(secret)
	content := hex.EncodeToString(sum[:])[:generatedKeyLen]

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create key file: %w", ErrIO, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("%w: write key file: %w", ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close key file: %w", ErrIO, err)
	}
	return nil
}
