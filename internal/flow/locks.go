package flow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// SessionLocker grants exclusive mutation rights on one session.
// TryLock never waits: contention returns models.ErrBusy.
// The returned unlock func is safe to call more than once.
type SessionLocker interface {
	TryLock(ctx context.Context, sessionID string) (unlock func(), err error)
}

// MemoryLocker is a process-local SessionLocker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// TryLock acquires the lock for sessionID or returns models.ErrBusy.
func (l *MemoryLocker) TryLock(_ context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[sessionID]; busy {
		slog.Debug("MemoryLocker.TryLock: session busy", "sessionID", sessionID)
		return nil, models.ErrBusy
	}
	l.held[sessionID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, sessionID)
			l.mu.Unlock()
		})
	}, nil
}
