package ledger

// Store reads and writes whole ledger snapshots.
type Store interface {
	// Load returns the stored ledger. existed is false, and the ledger empty,
	// when nothing has been stored yet.
	Load() (l *Ledger, existed bool, err error)
	Save(l *Ledger) error
	// Remove deletes the stored ledger. Removing a missing ledger is not an error.
	Remove() error
	Close() error
	// Path is where the ledger lives, for logs.
	Path() string
}
