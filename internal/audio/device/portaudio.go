package device

import (
	"errors"

	"github.com/gordonklaus/portaudio"
)

const defaultFramesPerBuffer = 1024

// PortAudioOutput plays interleaved 16-bit samples on the default output
// device using blocking writes.
type PortAudioOutput struct {
	FramesPerBuffer int

	stream *portaudio.Stream
	buffer []int16
}

func (p *PortAudioOutput) Open(sampleRate, channels int) error {
	if p.stream != nil {
		return errors.New("output already open")
	}
	if err := portaudio.Initialize(); err != nil {
		return err
	}
	frames := p.FramesPerBuffer
	if frames <= 0 {
		frames = defaultFramesPerBuffer
	}
	p.buffer = make([]int16, frames*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), frames, p.buffer)
	if err != nil {
		portaudio.Terminate()
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return err
	}
	p.stream = stream
	return nil
}

// Write copies samples into the stream buffer one buffer at a time, padding
// the last one with silence.
func (p *PortAudioOutput) Write(samples []int16) error {
	if p.stream == nil {
		return errors.New("stream not opened")
	}
	for len(samples) > 0 {
		n := copy(p.buffer, samples)
		clear(p.buffer[n:])
		samples = samples[n:]
		if err := p.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return err
		}
	}
	return nil
}

func (p *PortAudioOutput) Close() error {
	if p.stream == nil {
		return nil
	}
	stopErr := p.stream.Stop()
	closeErr := p.stream.Close()
	p.stream = nil
	termErr := portaudio.Terminate()
	return errors.Join(stopErr, closeErr, termErr)
}
