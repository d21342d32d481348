package syncer

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/openmined/cryptosync/internal/utils"
)

// ErrPathMismatch is returned when a path does not lie under the root it is mapped from.
var ErrPathMismatch = errors.New("path is outside the authoritative root")

// Direction names which root is authoritative for an operation.
type Direction int

const (
	// Encrypt mirrors the plaintext root into the encrypted root.
	Encrypt Direction = iota
	// Decrypt mirrors the encrypted root into the plaintext root.
	Decrypt
)

func (d Direction) String() string {
	switch d {
	case Encrypt:
		return "encrypt"
	case Decrypt:
		return "decrypt"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

func (d Direction) Reverse() Direction {
	if d == Encrypt {
		return Decrypt
	}
	return Encrypt
}

// Roots is a pair of synced directory trees.
type Roots struct {
	Plain  string
	Cipher string
}

// Authoritative is the root changes are read from in direction d.
func (r Roots) Authoritative(d Direction) string {
	if d == Encrypt {
		return r.Plain
	}
	return r.Cipher
}

// Mirror is the root changes are written to in direction d.
func (r Roots) Mirror(d Direction) string {
	if d == Encrypt {
		return r.Cipher
	}
	return r.Plain
}

// MapPath swaps the authoritative root prefix of path for the mirror root.
func (r Roots) MapPath(path string, d Direction) (string, error) {
	rel, err := r.Rel(path, d)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return r.Mirror(d), nil
	}
	return filepath.Join(r.Mirror(d), rel), nil
}

// Rel is path relative to the authoritative root of d.
func (r Roots) Rel(path string, d Direction) (string, error) {
	root := r.Authoritative(d)
	path = filepath.Clean(path)
	if !utils.IsWithin(root, path) {
		return "", fmt.Errorf("%w: %s is not under %s", ErrPathMismatch, path, root)
	}
	return filepath.Rel(root, path)
}

// Pair returns the plaintext and encrypted paths of a file given either one.
func (r Roots) Pair(path string, d Direction) (plain, cipher string, err error) {
	mirror, err := r.MapPath(path, d)
	if err != nil {
		return "", "", err
	}
	if d == Encrypt {
		return filepath.Clean(path), mirror, nil
	}
	return mirror, filepath.Clean(path), nil
}

var connectionNamespace = uuid.MustParse("8c0f5b9e-3d7a-4c61-a2e4-5b1f7d9c0e36")

// ConnectionID derives the stable id of the connection between a plaintext
// file and its encrypted mirror. It does not depend on the sync direction.
func ConnectionID(plainPath, cipherPath string) string {
	return uuid.NewSHA1(connectionNamespace, []byte(plainPath+"\n"+cipherPath)).String()
}
