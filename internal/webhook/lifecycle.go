package webhook

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Lifecycle tracks the running deliveries of each endpoint so that deleting
// or deactivating an endpoint stops its pending retries
type Lifecycle struct {
	mu      sync.Mutex
	nextID  uint64
	running map[uuid.UUID]map[uint64]context.CancelFunc
}

// NewLifecycle creates an empty lifecycle tracker
func NewLifecycle() *Lifecycle {
	return &Lifecycle{running: make(map[uuid.UUID]map[uint64]context.CancelFunc)}
}

// Context derives a context for one delivery run against an endpoint.
// The returned release func must be called when the run ends.
func (l *Lifecycle) Context(parent context.Context, webhookID uuid.UUID) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	l.mu.Lock()
	l.nextID++
	id := l.nextID
	runs, ok := l.running[webhookID]
	if !ok {
		runs = make(map[uint64]context.CancelFunc)
		l.running[webhookID] = runs
	}
	runs[id] = cancel
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		if runs, ok := l.running[webhookID]; ok {
			delete(runs, id)
			if len(runs) == 0 {
				delete(l.running, webhookID)
			}
		}
		l.mu.Unlock()
		cancel()
	}
	return ctx, release
}

// Cancel stops every run currently registered for the endpoint and returns
// how many were cancelled
func (l *Lifecycle) Cancel(webhookID uuid.UUID) int {
	l.mu.Lock()
	runs := l.running[webhookID]
	delete(l.running, webhookID)
	l.mu.Unlock()

	for _, cancel := range runs {
		cancel()
	}
	return len(runs)
}

// Active returns the number of runs registered for the endpoint
func (l *Lifecycle) Active(webhookID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running[webhookID])
}
