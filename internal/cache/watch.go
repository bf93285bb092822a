package cache

import (
	"sync"

	"crewspace/api/internal/store"
)

type ChangeOp string

const (
	ChangePut     ChangeOp = "put"
	ChangeRemove  ChangeOp = "remove"
	ChangeReplace ChangeOp = "replace"
)

// Change tells a watcher what moved. An empty Table means everything may have
// changed and the watcher should re-read its whole view.
type Change struct {
	Table store.Table
	ID    string
	Op    ChangeOp
}

// Watcher receives change notifications. Notifications are dropped rather than
// blocking the writer; a watcher that fell behind gets a single empty Change
// once it catches up.
type Watcher struct {
	ch     chan Change
	owner  *Store
	lagged bool
	once   sync.Once
}

func (s *Store) Watch(buffer int) *Watcher {
	if buffer <= 0 {
		buffer = 64
	}
	w := &Watcher{ch: make(chan Change, buffer), owner: s}
	s.watchMu.Lock()
	s.watchers[w] = struct{}{}
	s.watchMu.Unlock()
	return w
}

func (w *Watcher) C() <-chan Change {
	return w.ch
}

// Close stops delivery and closes the channel.
func (w *Watcher) Close() {
	w.once.Do(func() {
		w.owner.watchMu.Lock()
		delete(w.owner.watchers, w)
		close(w.ch)
		w.owner.watchMu.Unlock()
	})
}

func (s *Store) notify(c Change) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for w := range s.watchers {
		w.send(c)
	}
}

func (w *Watcher) send(c Change) {
	if w.lagged {
		select {
		case w.ch <- Change{Op: ChangeReplace}:
			w.lagged = false
		default:
			return
		}
	}
	select {
	case w.ch <- c:
	default:
		w.lagged = true
	}
}
