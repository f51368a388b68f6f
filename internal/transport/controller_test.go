package transport

import (
	"errors"
	"math"
	"sync"
	"testing"
)

// fakeElement raises signals the way a playback element does: play and
// pause on a state change, and timeupdate at the clamped position on seek.
type fakeElement struct {
	mu       sync.Mutex
	playErr  error
	plays    int
	pauses   int
	playing  bool
	position float64
	buffered float64
	listen   func(Event)
}

// newAttached returns a controller wired to el's signals.
func newAttached(el *fakeElement) *Controller {
	c := NewController(el, nil)
	el.listen = c.Handle
	return c
}

func (e *fakeElement) signal(typ EventType) {
	e.mu.Lock()
	ev := Event{Type: typ, CurrentTime: e.position, Duration: math.NaN()}
	fn := e.listen
	e.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (e *fakeElement) Play() error {
	e.mu.Lock()
	e.plays++
	if e.playErr != nil {
		e.mu.Unlock()
		return e.playErr
	}
	changed := !e.playing
	e.playing = true
	e.mu.Unlock()
	if changed {
		e.signal(EventPlay)
	}
	return nil
}

func (e *fakeElement) Pause() {
	e.mu.Lock()
	e.pauses++
	changed := e.playing
	e.playing = false
	e.mu.Unlock()
	if changed {
		e.signal(EventPause)
	}
}

func (e *fakeElement) Seek(seconds float64) {
	e.mu.Lock()
	e.position = math.Max(0, math.Min(seconds, e.buffered))
	e.mu.Unlock()
	e.signal(EventTimeUpdate)
}

func (e *fakeElement) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

func (e *fakeElement) Duration() float64 { return math.NaN() }

func TestFormatTime(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "0:00"},
		{5.9, "0:05"},
		{65, "1:05"},
		{600, "10:00"},
		{-3, "0:00"},
		{3599.999, "59:59"},
		{1e300, "18325193796:16"},
		{math.NaN(), "--:--"},
		{math.Inf(1), "--:--"},
		{math.Inf(-1), "--:--"},
	}
	for _, tc := range cases {
		if got := FormatTime(tc.in); got != tc.want {
			t.Fatalf("FormatTime(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestToggleWithUnknownDuration(t *testing.T) {
	el := &fakeElement{}
	c := newAttached(el)
	c.Toggle()
	st := c.State()
	if !st.IsPlaying || el.plays != 1 {
		t.Fatalf("expected optimistic play, got %+v plays=%d", st, el.plays)
	}
	if got := st.String(); got != "0:00 / --:--" {
		t.Fatalf("unexpected display %q", got)
	}
	if st.Progress() != 0 {
		t.Fatalf("expected zero progress while duration unknown")
	}
	c.Toggle()
	if c.State().IsPlaying || el.pauses != 1 {
		t.Fatalf("expected pause on second toggle")
	}
}

func TestPlayFailureClearsPlaying(t *testing.T) {
	el := &fakeElement{playErr: errors.New("no source")}
	c := newAttached(el)
	var seen []bool
	c.Observe(func(s PlaybackState) { seen = append(seen, s.IsPlaying) })
	c.Toggle()
	if c.State().IsPlaying {
		t.Fatalf("failed play must clear playing")
	}
	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Fatalf("expected optimistic then cleared updates, got %v", seen)
	}
}

func TestSignalsAreAuthoritative(t *testing.T) {
	c := NewController(&fakeElement{}, nil)
	c.Toggle()
	c.Handle(Event{Type: EventPause})
	if c.State().IsPlaying {
		t.Fatalf("pause signal must win over optimistic state")
	}
	c.Handle(Event{Type: EventPlay})
	c.Handle(Event{Type: EventLoadedMetadata, Duration: math.NaN()})
	c.Handle(Event{Type: EventTimeUpdate, CurrentTime: 1.5})
	c.Handle(Event{Type: EventDurationChange, Duration: 3})
	st := c.State()
	if !st.IsPlaying || st.CurrentTime != 1.5 || st.Duration != 3 {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.Progress() != 0.5 {
		t.Fatalf("expected half progress, got %v", st.Progress())
	}
	c.Handle(Event{Type: EventEnded, CurrentTime: 3})
	if c.State().IsPlaying || c.State().Progress() != 1 {
		t.Fatalf("ended must stop playback at the end")
	}
}

func TestSeekMirrorsElementPosition(t *testing.T) {
	el := &fakeElement{buffered: 4}
	c := newAttached(el)
	c.Seek(2)
	if c.State().CurrentTime != 2 || el.CurrentTime() != 2 {
		t.Fatalf("expected seek to 2")
	}

	// Paused, so no later timeupdate would correct an unclamped mirror.
	c.Seek(10)
	st := c.State()
	if el.CurrentTime() != 4 || st.CurrentTime != 4 {
		t.Fatalf("seek past the buffer should clamp, element %v controller %v", el.CurrentTime(), st.CurrentTime)
	}
	if st.IsPlaying {
		t.Fatalf("seek must not start playback")
	}
	if got := st.String(); got != "0:04 / --:--" {
		t.Fatalf("unexpected display %q", got)
	}

	c.Seek(-1)
	if c.State().CurrentTime != 0 {
		t.Fatalf("negative seek should clamp to zero, got %v", c.State().CurrentTime)
	}
	c.Seek(math.NaN())
	if el.CurrentTime() != 0 {
		t.Fatalf("NaN seek should be ignored")
	}
}

func TestPauseSignalFollowsToggle(t *testing.T) {
	el := &fakeElement{}
	c := newAttached(el)
	var seen []bool
	c.Observe(func(s PlaybackState) { seen = append(seen, s.IsPlaying) })
	c.Toggle()
	c.Toggle()
	if c.State().IsPlaying || el.playing {
		t.Fatalf("element and controller should both be paused")
	}
	// Optimistic update then the element's signal, for each toggle.
	want := []bool{true, true, false, false}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestObserversSeeUpdatesInOrder(t *testing.T) {
	c := NewController(&fakeElement{}, nil)
	var (
		mu   sync.Mutex
		last = -1.0
	)
	c.Observe(func(s PlaybackState) {
		mu.Lock()
		defer mu.Unlock()
		if s.CurrentTime < last {
			t.Errorf("observer saw %v after %v", s.CurrentTime, last)
		}
		last = s.CurrentTime
	})

	var wg sync.WaitGroup
	var next sync.Mutex
	pos := 0.0
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				next.Lock()
				pos++
				p := pos
				next.Unlock()
				c.update(func(s *PlaybackState) {
					if p > s.CurrentTime {
						s.CurrentTime = p
					}
				})
			}
		}()
	}
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if last != c.State().CurrentTime || last != 800 {
		t.Fatalf("observer should end on the latest state, got %v want %v", last, c.State().CurrentTime)
	}
}

func TestResetAndUnobserve(t *testing.T) {
	c := NewController(&fakeElement{}, nil)
	calls := 0
	stop := c.Observe(func(PlaybackState) { calls++ })
	c.Handle(Event{Type: EventDurationChange, Duration: 9})
	c.Handle(Event{Type: EventPlay})
	c.Reset()
	st := c.State()
	if st.IsPlaying || st.CurrentTime != 0 || !math.IsNaN(st.Duration) {
		t.Fatalf("reset should restore initial state, got %+v", st)
	}
	stop()
	c.Handle(Event{Type: EventPlay})
	if calls != 3 {
		t.Fatalf("expected 3 observer calls, got %d", calls)
	}
}
