package stream

import (
	"context"
	"sync"
	"time"
)

const DefaultPollInterval = 100 * time.Millisecond

type FinalizerState int

const (
	FinalizerWaiting FinalizerState = iota
	FinalizerClosed
)

func (s FinalizerState) String() string {
	if s == FinalizerClosed {
		return "closed"
	}
	return "waiting"
}

// Finalizer closes the media source once the source is exhausted and the
// sink has drained. It wakes on adapter state changes; the poll interval is
// only a fallback detection path and carries no timing guarantee.
type Finalizer struct {
	Interval time.Duration

	mu    sync.Mutex
	state FinalizerState
}

func (f *Finalizer) State() FinalizerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Run must only be called after the ingestion loop reported the source
// exhausted. It returns nil once the media source has been ended.
func (f *Finalizer) Run(ctx context.Context, a *Adapter) error {
	interval := f.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		changed := a.Changed()
		closed, err := a.TryClose()
		if err != nil {
			return err
		}
		if closed {
			f.mu.Lock()
			f.state = FinalizerClosed
			f.mu.Unlock()
			return nil
		}
		select {
		case <-changed:
		case <-ticker.C:
		case <-ctx.Done():
			a.Abandon()
			return ctx.Err()
		}
	}
}
