// Package registry deduplicates Session creation: spec.md §3 requires that
// two callers asking for the same (gateway, path, connection-group) share
// one underlying Session rather than opening a second redundant
// connection to the same device, when Config.ShareSession is set.
package registry

import (
	"sync"

	"github.com/coriolis-automation/goeip/internal"
	"github.com/coriolis-automation/goeip/pkg/session"
	"golang.org/x/sync/singleflight"
)

// Registry is a process-wide table of live Sessions keyed by
// Config.Key(). It is safe for concurrent use; singleflight collapses
// concurrent Acquire calls for the same key into one Session.New.
type Registry struct {
	group singleflight.Group

	mu    sync.Mutex
	count map[string]int
	byKey map[string]*session.Session
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		count: make(map[string]int),
		byKey: make(map[string]*session.Session),
	}
}

// Acquire returns the shared Session for cfg (creating it if this is the
// first caller for its key, or if ShareSession is false), along with a
// release function the caller must invoke exactly once when done. The
// underlying Session is closed when its reference count drops to zero.
func (r *Registry) Acquire(cfg session.Config, logger internal.Logger) (*session.Session, func() error, error) {
	if !cfg.ShareSession {
		s, err := session.New(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}

	key := cfg.Key()
	// singleflight's job ends at deduping the session.New call itself: the
	// inner func runs once per collapsed batch of concurrent callers, so
	// any refcounting done inside it would count the batch, not the
	// caller. Each of the N concurrent Acquire calls still needs its own
	// increment, so that happens below, once per call, after Do returns.
	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.Lock()
		if existing, ok := r.byKey[key]; ok {
			r.mu.Unlock()
			return existing, nil
		}
		r.mu.Unlock()

		s, err := session.New(cfg, logger)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.byKey[key] = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, nil, err
	}
	s := v.(*session.Session)

	r.mu.Lock()
	r.count[key]++
	r.mu.Unlock()

	release := func() error {
		r.mu.Lock()
		r.count[key]--
		done := r.count[key] <= 0
		if done {
			delete(r.byKey, key)
			delete(r.count, key)
		}
		r.mu.Unlock()
		if done {
			return s.Close()
		}
		return nil
	}
	return s, release, nil
}

// Len reports the number of distinct shared sessions currently tracked,
// for tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}
