package transport

import (
	"io"
	"log/slog"
	"math"
	"sync"
)

type EventType string

const (
	EventPlay           EventType = "play"
	EventPause          EventType = "pause"
	EventEnded          EventType = "ended"
	EventTimeUpdate     EventType = "timeupdate"
	EventLoadedMetadata EventType = "loadedmetadata"
	EventDurationChange EventType = "durationchange"
)

// Event is a signal raised by the playback element. CurrentTime and Duration
// carry the element's values at the moment the event fired.
type Event struct {
	Type        EventType
	CurrentTime float64
	Duration    float64
}

// Element is the playback element a Controller drives. Seek positions are
// clamped by the element to its buffered range.
type Element interface {
	Play() error
	Pause()
	Seek(seconds float64)
	CurrentTime() float64
	Duration() float64
}

// PlaybackState is the transport state shown to the user. Duration is NaN
// until the element reports it.
type PlaybackState struct {
	CurrentTime float64
	Duration    float64
	IsPlaying   bool
}

// Progress returns the played fraction in [0, 1], or 0 while the duration is
// unknown.
func (s PlaybackState) Progress() float64 {
	if math.IsNaN(s.Duration) || math.IsInf(s.Duration, 0) || s.Duration <= 0 {
		return 0
	}
	p := s.CurrentTime / s.Duration
	return math.Max(0, math.Min(1, p))
}

// Controller mirrors element signals into a PlaybackState and turns user
// intents into element calls. Element signals are authoritative; Toggle and
// Seek update the state optimistically until the element confirms.
type Controller struct {
	el     Element
	logger *slog.Logger

	mu        sync.Mutex
	state     PlaybackState
	seq       uint64
	observers map[int]func(PlaybackState)
	nextID    int

	// deliverMu orders observer calls; delivered is the newest sequence
	// observers have seen.
	deliverMu sync.Mutex
	delivered uint64
}

func NewController(el Element, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{
		el:        el,
		logger:    logger.With(slog.String("component", "transport")),
		state:     PlaybackState{Duration: math.NaN()},
		observers: make(map[int]func(PlaybackState)),
	}
}

// Observe registers fn to receive every state change. The returned function
// removes the observer.
func (c *Controller) Observe(fn func(PlaybackState)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Controller) State() PlaybackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handle applies an element signal.
func (c *Controller) Handle(ev Event) {
	c.update(func(s *PlaybackState) {
		switch ev.Type {
		case EventPlay:
			s.IsPlaying = true
		case EventPause:
			s.IsPlaying = false
		case EventEnded:
			s.IsPlaying = false
			s.CurrentTime = ev.CurrentTime
		case EventTimeUpdate:
			s.CurrentTime = ev.CurrentTime
		case EventLoadedMetadata, EventDurationChange:
			s.Duration = ev.Duration
		}
	})
}

// Toggle flips IsPlaying and asks the element to follow. A failing Play is
// logged and clears IsPlaying.
func (c *Controller) Toggle() {
	var playing bool
	c.update(func(s *PlaybackState) {
		s.IsPlaying = !s.IsPlaying
		playing = s.IsPlaying
	})
	if playing {
		c.play()
		return
	}
	c.el.Pause()
}

func (c *Controller) Play() {
	c.update(func(s *PlaybackState) { s.IsPlaying = true })
	c.play()
}

func (c *Controller) Pause() {
	c.update(func(s *PlaybackState) { s.IsPlaying = false })
	c.el.Pause()
}

func (c *Controller) play() {
	if err := c.el.Play(); err != nil {
		c.logger.Warn("playback failed", slog.String("error", err.Error()))
		c.update(func(s *PlaybackState) { s.IsPlaying = false })
	}
}

// Seek moves the element to seconds and mirrors the position the element
// settled on, which is clamped to its buffered range.
func (c *Controller) Seek(seconds float64) {
	if math.IsNaN(seconds) {
		return
	}
	c.el.Seek(seconds)
	pos := c.el.CurrentTime()
	c.update(func(s *PlaybackState) { s.CurrentTime = pos })
}

// Reset returns the state to its initial values for a new request.
func (c *Controller) Reset() {
	c.update(func(s *PlaybackState) {
		*s = PlaybackState{Duration: math.NaN()}
	})
}

// Halt stops playback after a fatal stream error.
func (c *Controller) Halt() {
	c.el.Pause()
	c.update(func(s *PlaybackState) { s.IsPlaying = false })
}

// update applies fn and notifies observers. Updates racing from different
// goroutines are delivered in the order they were applied; a snapshot older
// than one already delivered is dropped. Observers must not call back into
// the Controller's mutators.
func (c *Controller) update(fn func(*PlaybackState)) {
	c.mu.Lock()
	fn(&c.state)
	c.seq++
	seq, state := c.seq, c.state
	observers := make([]func(PlaybackState), 0, len(c.observers))
	for _, o := range c.observers {
		observers = append(observers, o)
	}
	c.mu.Unlock()

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if seq < c.delivered {
		return
	}
	c.delivered = seq
	for _, o := range observers {
		o(state)
	}
}
