package cryptor

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

// cbcChunk is how much ciphertext the reader decrypts per refill.
const cbcChunk = 64 * aes.BlockSize

// cbcWriter encrypts a stream in CBC mode and applies PKCS#7 padding on Close.
type cbcWriter struct {
	dst  io.Writer
	mode cipher.BlockMode
	buf  []byte
}

func newCBCWriter(dst io.Writer, mode cipher.BlockMode) *cbcWriter {
	return &cbcWriter{dst: dst, mode: mode}
}

func (w *cbcWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	full := len(w.buf) - len(w.buf)%aes.BlockSize
	if full == 0 {
		return len(p), nil
	}
	w.mode.CryptBlocks(w.buf[:full], w.buf[:full])
	if _, err := w.dst.Write(w.buf[:full]); err != nil {
		return 0, err
	}
	w.buf = append(w.buf[:0], w.buf[full:]...)
	return len(p), nil
}

func (w *cbcWriter) Close() error {
	last := pkcs7Pad(w.buf, aes.BlockSize)
	w.mode.CryptBlocks(last, last)
	w.buf = nil
	_, err := w.dst.Write(last)
	return err
}

// cbcReader decrypts a CBC stream and strips the PKCS#7 padding. The last
// decrypted block is held back until EOF proves it carries the padding.
type cbcReader struct {
	src  io.Reader
	mode cipher.BlockMode
	out  []byte
	held []byte
	eof  bool
}

func newCBCReader(src io.Reader, mode cipher.BlockMode) *cbcReader {
	return &cbcReader{src: src, mode: mode}
}

func (r *cbcReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func (r *cbcReader) fill() error {
	chunk := make([]byte, cbcChunk)
	n, err := io.ReadFull(r.src, chunk)
	switch {
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		r.eof = true
	case err != nil:
		return fmt.Errorf("%w: read ciphertext: %w", ErrIO, err)
	}
	if n%aes.BlockSize != 0 {
		return fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrCorruptData)
	}
	r.mode.CryptBlocks(chunk[:n], chunk[:n])

	data := make([]byte, 0, len(r.held)+n)
	data = append(data, r.held...)
	data = append(data, chunk[:n]...)
	r.held = nil

	if r.eof {
		plain, err := pkcs7Unpad(data, aes.BlockSize)
		if err != nil {
			return err
		}
		r.out = plain
		return nil
	}

	cut := len(data) - aes.BlockSize
	r.out = data[:cut]
	r.held = data[cut:]
	return nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, fmt.Errorf("%w: missing padding block", ErrCorruptData)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: invalid padding", ErrCorruptData)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrCorruptData)
		}
	}
	return b[:len(b)-n], nil
}
