package audio

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/loqalabs/loqa-studio/internal/stream"
	"github.com/loqalabs/loqa-studio/internal/transport"
)

var ErrNoSource = errors.New("no media source attached")

const (
	// Playback writes 20ms of audio per output call.
	writesPerSecond = 50
	// timeupdate fires every 250ms of played audio.
	updatesPerSecond = 4
)

// Output receives interleaved 16-bit samples in real time. Write blocks until
// the device accepts the samples.
type Output interface {
	Open(sampleRate, channels int) error
	Write(samples []int16) error
	Close() error
}

// Element plays the media source currently attached to it and reports
// transport signals to its listeners.
type Element struct {
	out    Output
	logger *slog.Logger

	mu         sync.Mutex
	src        *MediaSource
	pcm        *pcmBuffer
	gen        uint64
	pos        int
	lastUpdate int
	playing    bool
	looping    bool
	closed     bool
	wake       chan struct{}
	listeners  []func(transport.Event)
	loop       sync.WaitGroup
	outRate    int

	// emitMu serialises signal delivery and is held while the source
	// changes, so no signal for a replaced source is delivered afterwards.
	// Listeners must not call OpenSource or Detach.
	emitMu sync.Mutex
}

func NewElement(out Output, logger *slog.Logger) *Element {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Element{
		out:    out,
		logger: logger.With(slog.String("component", "audio-element")),
		wake:   make(chan struct{}),
	}
}

// Listen registers fn for every signal the element raises.
func (e *Element) Listen(fn func(transport.Event)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// OpenSource detaches the current source and attaches a fresh one. Appends
// to a detached source fail.
func (e *Element) OpenSource() (stream.MediaSource, error) {
	pcm := newPCMBuffer()
	src := newMediaSource(pcm, e.logger)

	e.emitMu.Lock()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.emitMu.Unlock()
		return nil, errors.New("element closed")
	}
	old := e.src
	e.src, e.pcm = src, pcm
	e.pos, e.lastUpdate = 0, 0
	e.playing = false
	e.gen++
	e.wakeLocked()
	e.mu.Unlock()
	e.emitMu.Unlock()

	pcm.onFormat = func(int) { e.sourceEvent(pcm, transport.EventLoadedMetadata) }
	pcm.onFinish = func(error) { e.sourceEvent(pcm, transport.EventDurationChange) }
	if old != nil {
		old.detach()
	}
	return src, nil
}

// Detach stops playback and detaches the current source. Signals raised for
// the detached source before Detach returned are never delivered.
func (e *Element) Detach() {
	e.emitMu.Lock()
	e.mu.Lock()
	old := e.src
	e.src, e.pcm = nil, nil
	e.pos, e.lastUpdate = 0, 0
	e.playing = false
	e.gen++
	e.wakeLocked()
	e.mu.Unlock()
	e.emitMu.Unlock()
	if old != nil {
		old.detach()
	}
}

func (e *Element) sourceEvent(pcm *pcmBuffer, typ transport.EventType) {
	e.mu.Lock()
	if e.pcm != pcm {
		e.mu.Unlock()
		return
	}
	ev, gen := e.eventLocked(typ), e.gen
	e.mu.Unlock()
	e.emit(gen, ev)
}

func (e *Element) Play() error {
	e.mu.Lock()
	if e.pcm == nil || e.closed {
		e.mu.Unlock()
		return ErrNoSource
	}
	if e.playing {
		e.mu.Unlock()
		return nil
	}
	v := e.pcm.view()
	if v.done && e.pos >= v.size {
		e.pos, e.lastUpdate = 0, 0
	}
	e.playing = true
	if !e.looping {
		e.looping = true
		e.loop.Add(1)
		go e.run()
	}
	ev, gen := e.eventLocked(transport.EventPlay), e.gen
	e.mu.Unlock()
	e.emit(gen, ev)
	return nil
}

func (e *Element) Pause() {
	e.mu.Lock()
	if !e.playing {
		e.mu.Unlock()
		return
	}
	e.playing = false
	e.wakeLocked()
	ev, gen := e.eventLocked(transport.EventPause), e.gen
	e.mu.Unlock()
	e.emit(gen, ev)
}

// Seek moves playback to seconds, clamped to the decoded range.
func (e *Element) Seek(seconds float64) {
	e.mu.Lock()
	if e.pcm == nil || math.IsNaN(seconds) {
		e.mu.Unlock()
		return
	}
	v := e.pcm.view()
	frames := 0
	if v.sampleRate > 0 {
		buffered := float64(v.size / bytesPerFrame)
		frames = int(math.Min(math.Max(0, seconds)*float64(v.sampleRate), buffered))
	}
	e.pos = frames * bytesPerFrame
	e.lastUpdate = e.pos
	e.wakeLocked()
	ev, gen := e.eventLocked(transport.EventTimeUpdate), e.gen
	e.mu.Unlock()
	e.emit(gen, ev)
}

func (e *Element) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTimeLocked()
}

// Duration is NaN until the attached stream has been fully decoded.
func (e *Element) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.durationLocked()
}

func (e *Element) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// Close stops playback, detaches the source and releases the output.
func (e *Element) Close() error {
	e.mu.Lock()
	e.closed = true
	e.playing = false
	src := e.src
	e.wakeLocked()
	e.mu.Unlock()
	if src != nil {
		src.detach()
	}
	e.loop.Wait()
	if e.outRate != 0 {
		e.outRate = 0
		return e.out.Close()
	}
	return nil
}

func (e *Element) currentTimeLocked() float64 {
	if e.pcm == nil {
		return 0
	}
	return e.pcm.view().seconds(e.pos)
}

func (e *Element) durationLocked() float64 {
	if e.pcm == nil {
		return math.NaN()
	}
	v := e.pcm.view()
	if !v.done {
		return math.NaN()
	}
	return v.seconds(v.size)
}

func (e *Element) eventLocked(typ transport.EventType) transport.Event {
	return transport.Event{Type: typ, CurrentTime: e.currentTimeLocked(), Duration: e.durationLocked()}
}

func (e *Element) wakeLocked() {
	close(e.wake)
	e.wake = make(chan struct{})
}

// emit delivers ev unless the source it was raised for has since been
// replaced or detached.
func (e *Element) emit(gen uint64, ev transport.Event) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.mu.Lock()
	stale := gen != e.gen
	listeners := slices.Clone(e.listeners)
	e.mu.Unlock()
	if stale {
		return
	}
	for _, fn := range listeners {
		fn(ev)
	}
}

// run is the playback loop. Only one runs at a time; it exits when playback
// stops and owns the output while running.
func (e *Element) run() {
	defer e.loop.Done()
	for {
		e.mu.Lock()
		if !e.playing {
			e.looping = false
			e.mu.Unlock()
			return
		}
		pcm, pos, wake, gen := e.pcm, e.pos, e.wake, e.gen
		v := pcm.view()

		var samples []int16
		if v.sampleRate > 0 {
			samples = pcm.samples(pos, v.sampleRate/writesPerSecond)
		}
		if len(samples) == 0 {
			if v.done {
				e.playing = false
				e.looping = false
				ev := e.eventLocked(transport.EventEnded)
				e.mu.Unlock()
				e.emit(gen, ev)
				return
			}
			e.mu.Unlock()
			select {
			case <-v.changed:
			case <-wake:
			}
			continue
		}

		e.pos = pos + len(samples)*2
		var updates []transport.Event
		if e.pos-e.lastUpdate >= v.sampleRate/updatesPerSecond*bytesPerFrame {
			e.lastUpdate = e.pos
			updates = append(updates, e.eventLocked(transport.EventTimeUpdate))
		}
		e.mu.Unlock()

		for _, ev := range updates {
			e.emit(gen, ev)
		}
		if err := e.write(v.sampleRate, samples); err != nil {
			e.logger.Warn("audio output failed", slog.String("error", err.Error()))
			e.Pause()
		}
	}
}

func (e *Element) write(sampleRate int, samples []int16) error {
	if e.outRate != sampleRate {
		if e.outRate != 0 {
			_ = e.out.Close()
			e.outRate = 0
		}
		if err := e.out.Open(sampleRate, Channels); err != nil {
			return err
		}
		e.outRate = sampleRate
	}
	return e.out.Write(samples)
}
