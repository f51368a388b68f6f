package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Adapter mediates between the chunk queue and a single-outstanding-append
// source buffer. Every append is started under the adapter lock, so appends
// happen in submission order and never overlap.
type Adapter struct {
	mu        sync.Mutex
	src       MediaSource
	buf       SourceBuffer
	mime      string
	queue     ChunkQueue
	state     SinkState
	lifecycle Lifecycle
	err       error
	abandoned bool
	changed   chan struct{}
	started   int
	stats     Stats

	onFatal func(error)
	logger  *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithFatalHandler registers fn to run once when the stream fails. It is used
// to cancel the in-flight network read.
func WithFatalHandler(fn func(error)) Option {
	return func(a *Adapter) { a.onFatal = fn }
}

// NewAdapter adds a source buffer for mime to src and returns an adapter in
// the open lifecycle state.
func NewAdapter(src MediaSource, mime string, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		src:       src,
		mime:      mime,
		lifecycle: LifecycleOpening,
		changed:   make(chan struct{}),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	if rs := src.ReadyState(); rs != ReadyOpen {
		return nil, fmt.Errorf("%w: media source is %s", ErrLifecycle, rs)
	}
	buf, err := src.AddSourceBuffer(mime)
	if err != nil {
		return nil, fmt.Errorf("add source buffer %q: %w", mime, err)
	}
	a.buf = buf
	a.lifecycle = LifecycleOpen
	return a, nil
}

// Submit starts appending chunk when the sink is idle, otherwise queues it.
// It never waits for an append to complete.
func (a *Adapter) Submit(chunk Chunk) error {
	a.mu.Lock()
	if err := a.usableLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	a.stats.ChunksSubmitted++
	if a.state == SinkAppending || a.queue.Len() > 0 {
		a.queue.Enqueue(chunk)
		if n := a.queue.Len(); n > a.stats.PeakBacklog {
			a.stats.PeakBacklog = n
		}
		a.mu.Unlock()
		return nil
	}
	fatal := a.beginAppendLocked(chunk)
	a.mu.Unlock()
	a.reportFatal(fatal)
	return fatal
}

func (a *Adapter) beginAppendLocked(chunk Chunk) error {
	a.state = SinkAppending
	index := a.started
	a.started++
	size := len(chunk)
	err := a.buf.AppendBuffer(chunk, func(err error) {
		a.appendDone(index, size, err)
	})
	if err != nil {
		a.state = SinkIdle
		return a.failLocked(&SinkAppendError{Chunk: index, Err: err})
	}
	return nil
}

func (a *Adapter) appendDone(index, size int, err error) {
	a.mu.Lock()
	if a.abandoned || a.lifecycle.terminal() {
		a.mu.Unlock()
		return
	}
	a.state = SinkIdle
	var fatal error
	if err != nil {
		fatal = a.failLocked(&SinkAppendError{Chunk: index, Err: err})
	} else {
		a.stats.ChunksAppended++
		a.stats.BytesAppended += int64(size)
		if next, ok := a.queue.DequeueIfReady(a.state); ok {
			fatal = a.beginAppendLocked(next)
		}
		a.notifyLocked()
	}
	a.mu.Unlock()
	a.reportFatal(fatal)
}

func (a *Adapter) failLocked(err error) error {
	a.err = err
	a.lifecycle = LifecycleErrored
	a.queue.Reset()
	a.notifyLocked()
	return err
}

func (a *Adapter) reportFatal(err error) {
	if err == nil {
		return
	}
	a.logger.Warn("sink append failed", slog.String("mime", a.mime), slogError(err))
	if a.onFatal != nil {
		a.onFatal(err)
	}
}

func (a *Adapter) usableLocked() error {
	switch {
	case a.abandoned:
		return ErrAbandoned
	case a.err != nil:
		return a.err
	case a.lifecycle != LifecycleOpen:
		return fmt.Errorf("%w: stream is %s", ErrLifecycle, a.lifecycle)
	}
	return nil
}

func (a *Adapter) notifyLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

// TryClose ends the media source when the stream is drained: lifecycle open,
// queue empty and no append outstanding. Otherwise the close is deferred and
// TryClose reports false.
func (a *Adapter) TryClose() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lifecycle == LifecycleEnded {
		return true, nil
	}
	if err := a.usableLocked(); err != nil {
		return false, err
	}
	if a.state != SinkIdle || a.queue.Len() > 0 {
		return false, nil
	}
	if rs := a.src.ReadyState(); rs != ReadyOpen {
		a.lifecycle = LifecycleEnded
		a.notifyLocked()
		return true, nil
	}
	if err := a.src.EndOfStream(); err != nil {
		return false, a.failLocked(fmt.Errorf("end of stream: %w", err))
	}
	a.lifecycle = LifecycleEnded
	a.notifyLocked()
	return true, nil
}

// Abandon discards the stream without draining it. Pending chunks are
// dropped and late append completions are ignored.
func (a *Adapter) Abandon() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abandoned {
		return
	}
	a.abandoned = true
	a.queue.Reset()
	if !a.lifecycle.terminal() {
		a.lifecycle = LifecycleErrored
	}
	a.notifyLocked()
}

// WaitBacklog blocks while limit or more chunks are queued. A limit of zero
// disables the ceiling.
func (a *Adapter) WaitBacklog(ctx context.Context, limit int) error {
	if limit <= 0 {
		return nil
	}
	for {
		a.mu.Lock()
		n := a.queue.Len()
		err := a.usableLocked()
		ch := a.changed
		a.mu.Unlock()
		if err != nil {
			return err
		}
		if n < limit {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Changed returns a channel closed on the next state change.
func (a *Adapter) Changed() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.changed
}

func (a *Adapter) State() SinkState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) Lifecycle() Lifecycle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lifecycle
}

func (a *Adapter) Backlog() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue.Len()
}

// Err returns the fatal error recorded for the stream, ErrAbandoned for an
// abandoned stream, or nil.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abandoned {
		return ErrAbandoned
	}
	return a.err
}

func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
