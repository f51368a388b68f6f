package synth

import (
	"context"
	"time"
	"unicode/utf8"
)

// Silent MPEG-1 Layer III frame: 128 kbps, 44.1 kHz, mono, no CRC. With
// zeroed side information every granule decodes to silence.
var silentFrameHeader = [4]byte{0xFF, 0xFB, 0x90, 0xC4}

const (
	silentFrameSize = 417
	framesPerRune   = 4
	minFrames       = 8
	framesPerChunk  = 8
)

// SilentFrames returns n concatenated silent mp3 frames.
func SilentFrames(n int) []byte {
	out := make([]byte, n*silentFrameSize)
	for i := 0; i < n; i++ {
		copy(out[i*silentFrameSize:], silentFrameHeader[:])
	}
	return out
}

type mockSynth struct {
	interval time.Duration
}

// NewMockSynth returns a backend producing silence proportional to the text
// length, one chunk every interval.
func NewMockSynth(interval time.Duration) Synthesizer {
	return &mockSynth{interval: interval}
}

func (m *mockSynth) Name() string { return "mock" }

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		frames := max(minFrames, utf8.RuneCountInString(req.Text)*framesPerRune)
		sequence := 0
		for frames > 0 {
			n := min(frames, framesPerChunk)
			if sequence > 0 && m.interval > 0 {
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				case <-time.After(m.interval):
				}
			}
			if !send(ctx, chunks, Chunk{Sequence: sequence, Audio: SilentFrames(n)}) {
				errs <- ctx.Err()
				return
			}
			frames -= n
			sequence++
		}
	}()
	return chunks, errs
}
