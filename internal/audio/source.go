package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hajimehoshi/go-mp3"
	"github.com/loqalabs/loqa-studio/internal/stream"
)

// MIMEType is the only format a MediaSource accepts.
const MIMEType = "audio/mpeg"

var (
	ErrUnsupportedType = errors.New("unsupported media type")
	ErrDetached        = errors.New("media source detached from element")
)

// MediaSource decodes mp3 bytes appended through its SourceBuffer into PCM
// for the element it is attached to. Appended bytes are handed to the
// decoder through a pipe, so an append completes once the decoder has
// consumed it.
type MediaSource struct {
	mu     sync.Mutex
	state  stream.ReadyState
	buf    *SourceBuffer
	pr     *io.PipeReader
	pw     *io.PipeWriter
	pcm    *pcmBuffer
	logger *slog.Logger
}

// SourceBuffer accepts one append at a time.
type SourceBuffer struct {
	src      *MediaSource
	updating bool
}

func newMediaSource(pcm *pcmBuffer, logger *slog.Logger) *MediaSource {
	return &MediaSource{state: stream.ReadyOpen, pcm: pcm, logger: logger}
}

func (m *MediaSource) ReadyState() stream.ReadyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MediaSource) AddSourceBuffer(mime string) (stream.SourceBuffer, error) {
	if mime != MIMEType {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mime)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stream.ReadyOpen {
		return nil, fmt.Errorf("%w: media source is %s", stream.ErrLifecycle, m.state)
	}
	if m.buf != nil {
		return nil, errors.New("media source already has a source buffer")
	}
	m.pr, m.pw = io.Pipe()
	m.buf = &SourceBuffer{src: m}
	go m.decode(m.pr)
	return m.buf, nil
}

// AppendBuffer hands chunk to the decoder and reports completion through
// done on another goroutine.
func (b *SourceBuffer) AppendBuffer(chunk []byte, done func(error)) error {
	m := b.src
	m.mu.Lock()
	switch {
	case m.state == stream.ReadyClosed:
		m.mu.Unlock()
		return ErrDetached
	case m.state != stream.ReadyOpen:
		m.mu.Unlock()
		return fmt.Errorf("%w: append after end of stream", stream.ErrLifecycle)
	case b.updating:
		m.mu.Unlock()
		return fmt.Errorf("%w: append while updating", stream.ErrLifecycle)
	}
	b.updating = true
	pw := m.pw
	m.mu.Unlock()

	go func() {
		_, err := pw.Write(chunk)
		m.mu.Lock()
		b.updating = false
		m.mu.Unlock()
		done(err)
	}()
	return nil
}

// EndOfStream signals that no more data will be appended.
func (m *MediaSource) EndOfStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stream.ReadyOpen {
		return fmt.Errorf("%w: media source is %s", stream.ErrLifecycle, m.state)
	}
	if m.buf != nil && m.buf.updating {
		return fmt.Errorf("%w: end of stream while updating", stream.ErrLifecycle)
	}
	m.state = stream.ReadyEnded
	if m.pw != nil {
		_ = m.pw.Close()
	} else {
		m.pcm.finish(nil)
	}
	return nil
}

// detach closes the source and fails any pending or later append.
func (m *MediaSource) detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = stream.ReadyClosed
	if m.pw != nil {
		_ = m.pw.CloseWithError(ErrDetached)
		_ = m.pr.CloseWithError(ErrDetached)
	}
}

func (m *MediaSource) decode(pr *io.PipeReader) {
	dec, err := mp3.NewDecoder(pr)
	if err != nil {
		if errors.Is(err, io.EOF) && m.ReadyState() == stream.ReadyEnded {
			m.pcm.finish(nil)
			return
		}
		m.fail(pr, fmt.Errorf("decode mp3 header: %w", err))
		return
	}
	m.pcm.setFormat(dec.SampleRate())

	buf := make([]byte, 16*1024)
	for {
		n, err := dec.Read(buf)
		if n > 0 {
			m.pcm.write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			m.pcm.finish(nil)
			return
		}
		if err != nil {
			m.fail(pr, fmt.Errorf("decode mp3: %w", err))
			return
		}
	}
}

func (m *MediaSource) fail(pr *io.PipeReader, err error) {
	if !errors.Is(err, ErrDetached) {
		m.logger.Warn("media decode failed", slog.String("error", err.Error()))
	}
	_ = pr.CloseWithError(err)
	m.pcm.finish(err)
}
