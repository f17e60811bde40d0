// Package sessions tracks live websocket sessions for capacity limits
// and graceful drain.
package sessions

import (
	"context"
	"errors"
	"sync"
)

// ErrFull reports that the tracker is at its session limit.
var ErrFull = errors.New("sessions: at capacity")

// Handle exposes the per-session operations the tracker may invoke.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
}

// Tracker counts live sessions and fans out drain signals.
type Tracker struct {
	mu    sync.Mutex
	limit int
	live  map[string]*tracked
	wg    sync.WaitGroup
}

type tracked struct {
	handle Handle
	once   sync.Once
}

// NewTracker returns a tracker admitting at most limit concurrent
// sessions. limit <= 0 means unlimited.
func NewTracker(limit int) *Tracker {
	return &Tracker{
		limit: limit,
		live:  make(map[string]*tracked),
	}
}

// Register admits a session. It returns ErrFull when the tracker is at
// capacity. Re-registering an existing id replaces the old entry. The
// returned unregister is idempotent.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func(), err error) {
	if t == nil {
		return func() {}, nil
	}

	entry := &tracked{handle: h}

	t.mu.Lock()
	if t.live == nil {
		t.live = make(map[string]*tracked)
	}
	old := t.live[sessionID]
	if old == nil && t.limit > 0 && len(t.live) >= t.limit {
		t.mu.Unlock()
		return nil, ErrFull
	}
	t.live[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }, nil
}

func (t *Tracker) unregister(sessionID string, entry *tracked) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.live != nil && t.live[sessionID] == entry {
			delete(t.live, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Count returns the number of live sessions.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// WarnAll sends a best-effort warning to every live session.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.live {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

// CancelAll cancels every live session.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.live {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx
// expires. It reports whether the tracker fully drained.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
