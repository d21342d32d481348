package watch

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/rjeczalik/notify"
)

// NotifySource watches a tree with a single recursive notify watchpoint.
type NotifySource struct {
	events chan notify.EventInfo
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewNotifySource() *NotifySource {
	return &NotifySource{}
}

func (s *NotifySource) Start(root string, emit func(RawEvent)) error {
	if s.events != nil {
		return errors.New("notify source already started")
	}

	s.events = make(chan notify.EventInfo, eventBufferSize)
	s.done = make(chan struct{})

	recursivePath := filepath.Join(root, "...")
	if err := notify.Watch(recursivePath, s.events, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		s.events = nil
		return err
	}
	slog.Debug("notify watch", "root", root)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.done:
				return
			case ei := <-s.events:
				op, ok := notifyOp(ei.Event())
				if !ok {
					continue
				}
				emit(RawEvent{Path: ei.Path(), Op: op})
			}
		}
	}()
	return nil
}

// Stop unregisters the watchpoint. notify.Stop does not close the channel,
// so the forwarding goroutine is released through done.
func (s *NotifySource) Stop() error {
	if s.events == nil {
		return nil
	}
	notify.Stop(s.events)
	close(s.done)
	s.wg.Wait()
	s.events = nil
	return nil
}

func notifyOp(e notify.Event) (Op, bool) {
	switch {
	case e&notify.Create != 0:
		return OpCreate, true
	case e&notify.Remove != 0:
		return OpRemove, true
	case e&notify.Rename != 0:
		return OpRename, true
	case e&notify.Write != 0:
		return OpWrite, true
	default:
		return 0, false
	}
}
