package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FSNotifySource watches a tree with fsnotify, adding a watch for every
// directory. Directories created later are added as they appear and their
// existing contents are reported as created.
type FSNotifySource struct {
	watcher *fsnotify.Watcher
	emit    func(RawEvent)
	wg      sync.WaitGroup
}

func NewFSNotifySource() (*FSNotifySource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &FSNotifySource{watcher: watcher}, nil
}

func (s *FSNotifySource) Start(root string, emit func(RawEvent)) error {
	if s.emit != nil {
		return errors.New("fsnotify source already started")
	}
	s.emit = emit

	if err := s.recursivelyAddWatch(root, false); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case event, ok := <-s.watcher.Events:
				if !ok {
					return
				}
				s.handleEvent(event)
			case err, ok := <-s.watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("fsnotify", "error", err)
			}
		}
	}()
	return nil
}

func (s *FSNotifySource) Stop() error {
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *FSNotifySource) handleEvent(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		s.emit(RawEvent{Path: event.Name, Op: OpCreate})
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := s.recursivelyAddWatch(event.Name, true); err != nil {
				slog.Warn("fsnotify add watch", "path", event.Name, "error", err)
			}
		}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// can't stat a removed path, drop any watch it may have had
		if err := s.watcher.Remove(event.Name); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			slog.Debug("fsnotify remove watch", "path", event.Name, "error", err)
		}
		op := OpRemove
		if event.Has(fsnotify.Rename) {
			op = OpRename
		}
		s.emit(RawEvent{Path: event.Name, Op: op})
	case event.Has(fsnotify.Write):
		s.emit(RawEvent{Path: event.Name, Op: OpWrite})
	}
}

// recursivelyAddWatch watches dir and every directory below it. With
// reportContents, entries below dir are emitted as created since they may
// have appeared before the watch was in place.
func (s *FSNotifySource) recursivelyAddWatch(dir string, reportContents bool) error {
	slog.Debug("fsnotify add", "dir", dir)
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("walk dir: %w", err)
		}
		if reportContents && path != dir {
			s.emit(RawEvent{Path: path, Op: OpCreate})
		}
		if d.IsDir() {
			if err := s.watcher.Add(path); err != nil {
				return fmt.Errorf("fsnotify add watch: %w", err)
			}
		}
		return nil
	})
}
