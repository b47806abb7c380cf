package btree

import (
	"bytes"
	"context"
	"sync"

	"github.com/lambkin-lang/sapling/errs"
)

// Watcher is one registered interest in a key prefix. Callback fires
// once per commit for every key under Prefix whose final value
// differs from the value visible before that commit;
// Deleted is true when the key's post-commit state is absent. kv.Txn
// reports keys written through Put, PutDup, Del and DelDup only;
// writes made by PutIf, Merge, LoadSorted and DelRange are not
// reported.
type Watcher struct {
	Prefix []byte
	Callback func(key, value []byte, deleted bool)

	registry *WatchRegistry
}

// Close unregisters the watcher. Safe to call more than once.
func (w *Watcher) Close() {
	if w.registry != nil {
		w.registry.unregister(w)
	}
}

// WatchRegistry holds every live watcher for one DBI tree. A kv.Txn
// calls Notify once per changed key at commit time, after the new
// meta page is durable, so a watcher callback never observes a
// change that could still be rolled back.
type WatchRegistry struct {
	mu sync.Mutex
	watchers []*Watcher
}

// NewWatchRegistry returns an empty registry.
func NewWatchRegistry() *WatchRegistry { return &WatchRegistry{} }

// Register adds a watcher for keys beginning with prefix (nil or
// empty matches every key). Registering a prefix that is already
// watched fails with errs.ErrExists. The watcher is automatically closed when ctx is done.
func (r *WatchRegistry) Register(ctx context.Context, prefix []byte, callback func(key, value []byte, deleted bool)) (*Watcher, error) {
	r.mu.Lock()
	for _, w := range r.watchers {
		if bytes.Equal(w.Prefix, prefix) {
			r.mu.Unlock()
			return nil, errs.ErrExists
		}
	}
	w := &Watcher{Prefix: append([]byte(nil), prefix...), Callback: callback, registry: r}
	r.watchers = append(r.watchers, w)
	r.mu.Unlock()
	if ctx != nil {
		go func() {
			<-ctx.Done()
			w.Close()
		}()
	}
	return w, nil
}

func (r *WatchRegistry) unregister(target *Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.watchers {
		if w == target {
			r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
			return
		}
	}
}

// Notify fires every watcher whose prefix matches key.
func (r *WatchRegistry) Notify(key, value []byte, deleted bool) {
	r.mu.Lock()
	matched := make([]*Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		if bytes.HasPrefix(key, w.Prefix) {
			matched = append(matched, w)
		}
	}
	r.mu.Unlock()
	for _, w := range matched {
		w.Callback(key, value, deleted)
	}
}

// Len reports how many watchers are currently registered.
func (r *WatchRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}
