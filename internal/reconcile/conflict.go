package reconcile

import (
	"errors"
	"fmt"
)

// ErrConflict matches every *ConflictError.
var ErrConflict = errors.New("conflict")

// ConflictError reports a connection whose plaintext and encrypted files both
// changed since they were last synced. Nothing is written for it.
type ConflictError struct {
	SourcePath string
	TargetPath string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s and %s both changed since the last sync", e.SourcePath, e.TargetPath)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
