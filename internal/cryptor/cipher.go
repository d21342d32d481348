package cryptor

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// Encrypt compresses and encrypts plainPath into cipherPath under a fresh IV
// and returns the fingerprint of the plaintext bytes that were read.
func Encrypt(plainPath, cipherPath string, key Key) (Fingerprint, error) {
	src, err := os.Open(plainPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", ErrIO, plainPath, err)
	}
	defer src.Close()

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	dst, err := os.Create(cipherPath)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %w", ErrIO, cipherPath, err)
	}

	hasher := newHasher()
	enc := newCBCWriter(dst, cipher.NewCBCEncrypter(block, iv))
	zw := gzip.NewWriter(enc)

	writeErr := func() error {
		if _, err := dst.Write(iv); err != nil {
			return err
		}
		if _, err := io.Copy(zw, io.TeeReader(src, hasher)); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		return enc.Close()
	}()
	closeErr := dst.Close()

	if writeErr != nil {
		return "", fmt.Errorf("%w: encrypt %s: %w", ErrIO, plainPath, writeErr)
	}
	if closeErr != nil {
		return "", fmt.Errorf("%w: close %s: %w", ErrIO, cipherPath, closeErr)
	}
	return sumOf(hasher), nil
}

// Decrypt reverses Encrypt and returns the fingerprint of the plaintext written.
// The IV and the compressed stream header are checked before plainPath is
// touched, so a wrong key does not clobber an existing plaintext file.
func Decrypt(cipherPath, plainPath string, key Key) (Fingerprint, error) {
	src, err := os.Open(cipherPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", ErrIO, cipherPath, err)
	}
	defer src.Close()

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return "", fmt.Errorf("%w: %s: truncated iv", ErrCorruptData, cipherPath)
		}
		return "", fmt.Errorf("%w: read iv %s: %w", ErrIO, cipherPath, err)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	zr, err := gzip.NewReader(newCBCReader(src, cipher.NewCBCDecrypter(block, iv)))
	if err != nil {
		return "", classifyReadErr(cipherPath, err)
	}
	defer zr.Close()

	dst, err := os.Create(plainPath)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %w", ErrIO, plainPath, err)
	}

	hasher := newHasher()
	_, copyErr := io.Copy(ioTagWriter{io.MultiWriter(dst, hasher)}, zr)
	closeErr := dst.Close()

	if copyErr != nil {
		return "", classifyReadErr(cipherPath, copyErr)
	}
	if closeErr != nil {
		return "", fmt.Errorf("%w: close %s: %w", ErrIO, plainPath, closeErr)
	}
	return sumOf(hasher), nil
}

// classifyReadErr keeps filesystem errors as ErrIO and reports everything
// else from the decrypt/decompress pipeline as corrupt data.
func classifyReadErr(path string, err error) error {
	if errors.Is(err, ErrIO) || errors.Is(err, ErrCorruptData) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrCorruptData, path, err)
}

// ioTagWriter marks write failures as ErrIO.
type ioTagWriter struct {
	w io.Writer
}

func (t ioTagWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: write: %w", ErrIO, err)
	}
	return n, nil
}
