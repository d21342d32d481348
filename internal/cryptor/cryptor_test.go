package cryptor

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey(t *testing.T) {
	dir := t.TempDir()
	short := filepath.Join(dir, "short")
	long := filepath.Join(dir, "long")
	require.NoError(t, os.WriteFile(short, []byte("abc"), 0o600))
	require.NoError(t, os.WriteFile(long, make([]byte, 4096), 0o600))

	k1, err := DeriveKey(short)
	require.NoError(t, err)
	k1again, err := DeriveKey(short)
	require.NoError(t, err)
	k2, err := DeriveKey(long)
	require.NoError(t, err)

	assert.Equal(t, k1, k1again)
	assert.NotEqual(t, k1, k2)
	assert.Len(t, k1, KeySize)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = DeriveKey(empty)
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, err = DeriveKey(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, ErrIO)
}

func TestGenerateKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "myKey")
	require.NoError(t, GenerateKeyFile(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, content, generatedKeyLen)
	_, err = hex.DecodeString(string(content))
	assert.NoError(t, err)

	assert.ErrorIs(t, GenerateKeyFile(path), ErrIO, "existing key files are never overwritten")

	_, err = DeriveKey(path)
	assert.NoError(t, err)
}

func TestFingerprintFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")

	fp, err := FingerprintFile(path)
	require.NoError(t, err)
	assert.True(t, fp.IsNull(), "missing file has a null fingerprint")

	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	first, err := FingerprintFile(path)
	require.NoError(t, err)
	assert.False(t, first.IsNull())

	again, err := FingerprintFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, again, "unchanged bytes give the same fingerprint")

	require.NoError(t, os.WriteFile(path, []byte("world"), 0o644))
	changed, err := FingerprintFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)

	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	back, err := FingerprintFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, back)

	_, err = FingerprintFile(dir)
	assert.ErrorIs(t, err, ErrIO)
}

func TestFingerprintJSON(t *testing.T) {
	type record struct {
		FP Fingerprint `json:"fp"`
	}

	data, err := json.Marshal(record{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"fp":null}`, string(data))

	data, err = json.Marshal(record{FP: "abc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"fp":"abc"}`, string(data))

	var r record
	require.NoError(t, json.Unmarshal([]byte(`{"fp":null}`), &r))
	assert.True(t, r.FP.IsNull())
	require.NoError(t, json.Unmarshal([]byte(`{"fp":"def"}`), &r))
	assert.Equal(t, Fingerprint("def"), r.FP)
}

func TestFileFingerprinter_Cache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	uncached, err := NewFingerprinter(0)
	require.NoError(t, err)
	cached, err := NewFingerprinter(16)
	require.NoError(t, err)

	want, err := uncached.Fingerprint(path)
	require.NoError(t, err)
	got, err := cached.Fingerprint(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, cached.cache.Len())

	// a new size and mtime invalidates the cached digest
	require.NoError(t, os.WriteFile(path, []byte("hello again"), 0o644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	got, err = cached.Fingerprint(path)
	require.NoError(t, err)
	assert.NotEqual(t, want, got)

	require.NoError(t, os.Remove(path))
	got, err = cached.Fingerprint(path)
	require.NoError(t, err)
	assert.True(t, got.IsNull())
	assert.Equal(t, 0, cached.cache.Len())
}
