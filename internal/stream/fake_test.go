package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

var errCorrupt = errors.New("corrupt chunk")

type fakeSource struct {
	mu           sync.Mutex
	ready        ReadyState
	buf          *fakeBuffer
	endCalls     int
	endWhileBusy bool
}

func newFakeSource() *fakeSource {
	s := &fakeSource{ready: ReadyOpen}
	s.buf = &fakeBuffer{src: s, rejectAt: -1, failAt: -1}
	return s
}

func (s *fakeSource) AddSourceBuffer(mime string) (SourceBuffer, error) {
	if mime != "audio/mpeg" {
		return nil, errors.New("unsupported mime type")
	}
	return s.buf, nil
}

func (s *fakeSource) EndOfStream() error {
	s.buf.mu.Lock()
	busy := s.buf.outstanding > 0
	s.buf.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if busy {
		s.endWhileBusy = true
		return ErrLifecycle
	}
	if s.ready != ReadyOpen {
		return ErrLifecycle
	}
	s.ready = ReadyEnded
	s.endCalls++
	return nil
}

func (s *fakeSource) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSource) ends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endCalls
}

// fakeBuffer completes appends after delay when auto is set, otherwise when
// the test calls completeNext.
type fakeBuffer struct {
	mu             sync.Mutex
	src            *fakeSource
	auto           bool
	delay          time.Duration
	rejectAt       int
	failAt         int
	calls          int
	appended       [][]byte
	outstanding    int
	maxOutstanding int
	pending        []pendingAppend
}

type pendingAppend struct {
	done func(error)
	err  error
}

func (b *fakeBuffer) AppendBuffer(chunk []byte, done func(error)) error {
	b.src.mu.Lock()
	ready := b.src.ready
	b.src.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if ready != ReadyOpen {
		return ErrLifecycle
	}
	index := b.calls
	b.calls++
	if index == b.rejectAt {
		return errCorrupt
	}
	b.outstanding++
	if b.outstanding > b.maxOutstanding {
		b.maxOutstanding = b.outstanding
	}
	b.appended = append(b.appended, append([]byte(nil), chunk...))
	var err error
	if index == b.failAt {
		err = errCorrupt
	}
	if b.auto {
		go func() {
			time.Sleep(b.delay)
			b.finish(done, err)
		}()
		return nil
	}
	b.pending = append(b.pending, pendingAppend{done: done, err: err})
	return nil
}

func (b *fakeBuffer) finish(done func(error), err error) {
	b.mu.Lock()
	b.outstanding--
	b.mu.Unlock()
	done(err)
}

func (b *fakeBuffer) completeNext(t *testing.T) {
	t.Helper()
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		t.Fatalf("no append outstanding")
	}
	next := b.pending[0]
	b.pending = b.pending[1:]
	b.mu.Unlock()
	b.finish(next.done, next.err)
}

func (b *fakeBuffer) snapshot() ([][]byte, int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.appended))
	copy(out, b.appended)
	return out, b.outstanding, b.maxOutstanding
}

// chunkReader yields one predefined chunk per Read, sleeping before each.
type chunkReader struct {
	chunks [][]byte
	delay  time.Duration
	err    error
	reads  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.reads >= len(r.chunks) {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.reads])
	r.reads++
	return n, nil
}

// blockingReader returns its first chunk and then blocks until ctx ends.
type blockingReader struct {
	ctx   context.Context
	first []byte
	sent  bool
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, r.first), nil
	}
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func sizedChunks(sizes ...int) [][]byte {
	chunks := make([][]byte, len(sizes))
	for i, size := range sizes {
		c := make([]byte, size)
		for j := range c {
			c[j] = byte(i + 1)
		}
		chunks[i] = c
	}
	return chunks
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
