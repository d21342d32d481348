package watch

import (
	"fmt"
)

const eventBufferSize = 64

// Backend names a notification source implementation.
type Backend string

const (
	BackendNotify   Backend = "notify"
	BackendFSNotify Backend = "fsnotify"
)

// Source delivers raw notifications for everything below one root.
// Events that happened before Start are not reported.
type Source interface {
	Start(root string, emit func(RawEvent)) error
	Stop() error
}

// SourceFactory creates a fresh Source for each watched root.
type SourceFactory func() (Source, error)

// NewSourceFactory returns the factory of a backend.
func NewSourceFactory(backend Backend) (SourceFactory, error) {
	switch backend {
	case BackendNotify, "":
		return func() (Source, error) { return NewNotifySource(), nil }, nil
	case BackendFSNotify:
		return func() (Source, error) { return NewFSNotifySource() }, nil
	default:
		return nil, fmt.Errorf("unknown watch backend %q", backend)
	}
}
