package audio

import (
	"encoding/binary"
	"sync"
)

// Decoded audio is always 16-bit little-endian stereo.
const (
	Channels      = 2
	bytesPerFrame = 2 * Channels
)

// pcmBuffer accumulates decoded audio for one media source. The playback
// loop reads from it by byte offset while the decoder appends.
type pcmBuffer struct {
	mu         sync.Mutex
	data       []byte
	sampleRate int
	done       bool
	err        error
	changed    chan struct{}

	onFormat func(sampleRate int)
	onFinish func(err error)
}

func newPCMBuffer() *pcmBuffer {
	return &pcmBuffer{changed: make(chan struct{})}
}

func (p *pcmBuffer) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *pcmBuffer) setFormat(sampleRate int) {
	p.mu.Lock()
	p.sampleRate = sampleRate
	p.notifyLocked()
	fn := p.onFormat
	p.mu.Unlock()
	if fn != nil {
		fn(sampleRate)
	}
}

func (p *pcmBuffer) write(b []byte) {
	p.mu.Lock()
	p.data = append(p.data, b...)
	p.notifyLocked()
	p.mu.Unlock()
}

func (p *pcmBuffer) finish(err error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.err = err
	p.notifyLocked()
	fn := p.onFinish
	p.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// pcmView is a consistent snapshot of the buffer.
type pcmView struct {
	sampleRate int
	size       int
	done       bool
	changed    <-chan struct{}
}

func (p *pcmBuffer) view() pcmView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pcmView{sampleRate: p.sampleRate, size: len(p.data), done: p.done, changed: p.changed}
}

// samples converts up to maxFrames frames starting at byte offset pos.
func (p *pcmBuffer) samples(pos, maxFrames int) []int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos >= len(p.data) {
		return nil
	}
	end := min(len(p.data), pos+maxFrames*bytesPerFrame)
	end -= (end - pos) % bytesPerFrame
	out := make([]int16, (end-pos)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(p.data[pos+2*i:]))
	}
	return out
}

func (v pcmView) seconds(offset int) float64 {
	if v.sampleRate == 0 {
		return 0
	}
	return float64(offset/bytesPerFrame) / float64(v.sampleRate)
}
