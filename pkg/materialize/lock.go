package materialize

import (
	"context"
	"sync"
)

// rootLocks serializes mutation of each target root. Waiting honors ctx.
// An entry lives only while someone holds or waits for it.
type rootLocks struct {
	mu    sync.Mutex
	locks map[string]*rootLock
}

type rootLock struct {
	ch   chan struct{}
	refs int // holder plus waiters
}

func newRootLocks() *rootLocks {
	return &rootLocks{locks: make(map[string]*rootLock)}
}

func (l *rootLocks) acquire(ctx context.Context, root string) (func(), error) {
	l.mu.Lock()
	rl, ok := l.locks[root]
	if !ok {
		rl = &rootLock{ch: make(chan struct{}, 1)}
		l.locks[root] = rl
	}
	rl.refs++
	l.mu.Unlock()

	select {
	case rl.ch <- struct{}{}:
		return func() {
			<-rl.ch
			l.release(root, rl)
		}, nil
	case <-ctx.Done():
		l.release(root, rl)
		return nil, ctx.Err()
	}
}

func (l *rootLocks) release(root string, rl *rootLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl.refs--
	if rl.refs == 0 {
		delete(l.locks, root)
	}
}

// held reports whether root is locked right now.
func (l *rootLocks) held(root string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.locks[root]
	return ok && len(rl.ch) > 0
}

// size returns the number of roots currently locked or waited on.
func (l *rootLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
