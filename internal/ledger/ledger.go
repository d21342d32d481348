// Package ledger persists the connections between plaintext files and their
// encrypted mirrors for one pair of roots.
package ledger

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"maps"

	"github.com/openmined/cryptosync/internal/cryptor"
)

var (
	// ErrLocked is returned when another process already owns the ledger of a root pair.
	ErrLocked = errors.New("ledger is locked by another process")
	// ErrClosed is returned by operations on a closed ledger service.
	ErrClosed = errors.New("ledger is closed")
)

// Connection links one plaintext file to its encrypted mirror together with
// the fingerprints both had when they were last synced.
type Connection struct {
	ID                string              `json:"-"`
	SourcePath        string              `json:"sourcePath"`
	SourceFingerprint cryptor.Fingerprint `json:"sourceFingerprint"`
	TargetPath        string              `json:"targetPath"`
	TargetFingerprint cryptor.Fingerprint `json:"targetFingerprint"`
}

// Ledger is the full set of connections of a root pair, keyed by connection id.
type Ledger struct {
	Connections map[string]Connection `json:"connections"`
}

func New() *Ledger {
	return &Ledger{Connections: make(map[string]Connection)}
}

// Clone returns a copy that shares nothing mutable with l.
func (l *Ledger) Clone() *Ledger {
	if l == nil || l.Connections == nil {
		return New()
	}
	return &Ledger{Connections: maps.Clone(l.Connections)}
}

func (l *Ledger) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Connections)
}

// normalize fills in connection ids from the map keys after decoding.
func (l *Ledger) normalize() {
	if l.Connections == nil {
		l.Connections = make(map[string]Connection)
	}
	for id, conn := range l.Connections {
		conn.ID = id
		l.Connections[id] = conn
	}
}

// Stem is the per root pair file name without extension:
// syncfile_<sha1(sourceRoot)>-<sha1(targetRoot)>.
func Stem(sourceRoot, targetRoot string) string {
	src := sha1.Sum([]byte(sourceRoot))
	tgt := sha1.Sum([]byte(targetRoot))
	return "syncfile_" + hex.EncodeToString(src[:]) + "-" + hex.EncodeToString(tgt[:])
}

// FileName is the name of the JSON ledger of a root pair.
func FileName(sourceRoot, targetRoot string) string {
	return Stem(sourceRoot, targetRoot) + ".json"
}
