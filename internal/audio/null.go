package audio

import (
	"errors"
	"time"
)

// NullOutput discards samples while keeping real-time pacing, so playback
// advances at the same speed as on a device.
type NullOutput struct {
	sampleRate int
	channels   int
	next       time.Time
}

func (n *NullOutput) Open(sampleRate, channels int) error {
	if sampleRate <= 0 || channels <= 0 {
		return errors.New("invalid output format")
	}
	n.sampleRate, n.channels = sampleRate, channels
	n.next = time.Time{}
	return nil
}

func (n *NullOutput) Write(samples []int16) error {
	if n.sampleRate == 0 {
		return errors.New("output not open")
	}
	d := time.Duration(len(samples)/n.channels) * time.Second / time.Duration(n.sampleRate)
	now := time.Now()
	if n.next.Before(now) {
		n.next = now
	}
	n.next = n.next.Add(d)
	time.Sleep(time.Until(n.next))
	return nil
}

func (n *NullOutput) Close() error {
	n.sampleRate = 0
	return nil
}
