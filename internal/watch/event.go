package watch

import (
	"fmt"

	"github.com/openmined/cryptosync/internal/syncer"
)

// Op is a raw filesystem notification as reported by a Source.
type Op uint8

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// RawEvent is a notification before it is classified.
type RawEvent struct {
	Path string
	Op   Op
}

// EventType is what happened to a path once classified.
type EventType int

const (
	Created EventType = iota
	Modified
	Deleted
	DirectoryCreated
	DirectoryDeleted
)

func (t EventType) String() string {
	switch t {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case DirectoryCreated:
		return "directoryCreated"
	case DirectoryDeleted:
		return "directoryDeleted"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a classified change under one of the roots.
type Event struct {
	Path      string
	Type      EventType
	Direction syncer.Direction
}
