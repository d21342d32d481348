package cryptor

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
)

// Fingerprint is the hex BLAKE3 digest of a file's raw bytes.
// The zero value is the null fingerprint of a missing file.
type Fingerprint string

func (f Fingerprint) IsNull() bool {
	return f == ""
}

// Short is a log friendly prefix of the digest.
func (f Fingerprint) Short() string {
	if f.IsNull() {
		return "null"
	}
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

func (f Fingerprint) MarshalJSON() ([]byte, error) {
	if f.IsNull() {
		return []byte("null"), nil
	}
	return json.Marshal(string(f))
}

func (f *Fingerprint) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = Fingerprint(s)
	return nil
}

func newHasher() hash.Hash {
	return blake3.New()
}

func sumOf(h hash.Hash) Fingerprint {
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// FingerprintFile digests the file as it is on disk, without decrypting it.
// A missing file yields the null fingerprint and no error.
func FingerprintFile(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("%w: open %s: %w", ErrIO, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: stat %s: %w", ErrIO, path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrIO, path)
	}

	h := newHasher()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: read %s: %w", ErrIO, path, err)
	}
	return sumOf(h), nil
}

// Fingerprinter is what the sync components use to fingerprint files.
type Fingerprinter interface {
	Fingerprint(path string) (Fingerprint, error)
}

// FingerprinterFunc adapts a plain function to Fingerprinter.
type FingerprinterFunc func(path string) (Fingerprint, error)

func (f FingerprinterFunc) Fingerprint(path string) (Fingerprint, error) {
	return f(path)
}

type cachedFingerprint struct {
	size    int64
	modTime time.Time
	value   Fingerprint
}

// FileFingerprinter fingerprints files, optionally reusing a previous digest
// while the file's size and modification time are unchanged.
type FileFingerprinter struct {
	cache *lru.Cache[string, cachedFingerprint]
}

// NewFingerprinter returns a fingerprinter with an LRU cache of cacheSize
// entries. A cacheSize of zero disables caching and always hashes the bytes.
func NewFingerprinter(cacheSize int) (*FileFingerprinter, error) {
	fp := &FileFingerprinter{}
	if cacheSize <= 0 {
		return fp, nil
	}
	cache, err := lru.New[string, cachedFingerprint](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create fingerprint cache: %w", err)
	}
	fp.cache = cache
	return fp, nil
}

func (f *FileFingerprinter) Fingerprint(path string) (Fingerprint, error) {
	if f.cache == nil {
		return FingerprintFile(path)
	}

	info, err := os.Stat(path)
	if err != nil {
		f.cache.Remove(path)
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("%w: stat %s: %w", ErrIO, path, err)
	}

	if hit, ok := f.cache.Get(path); ok && hit.size == info.Size() && hit.modTime.Equal(info.ModTime()) {
		return hit.value, nil
	}

	value, err := FingerprintFile(path)
	if err != nil || value.IsNull() {
		f.cache.Remove(path)
		return value, err
	}
	f.cache.Add(path, cachedFingerprint{size: info.Size(), modTime: info.ModTime(), value: value})
	return value, nil
}
