package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrAbandoned is returned once a stream has been discarded in favour of a newer one.
	ErrAbandoned = errors.New("stream abandoned")
	// ErrLifecycle reports an append or close attempted in an illegal lifecycle state.
	// Gating in the Adapter and Finalizer exists so this never happens at runtime.
	ErrLifecycle = errors.New("media source lifecycle misuse")
)

// NetworkReadError reports a failure reading the synthesis response mid-transfer.
type NetworkReadError struct {
	Err error
}

func (e *NetworkReadError) Error() string {
	return fmt.Sprintf("read audio stream: %v", e.Err)
}

func (e *NetworkReadError) Unwrap() error { return e.Err }

// SinkAppendError reports the media buffer rejecting a chunk.
type SinkAppendError struct {
	Chunk int
	Err   error
}

func (e *SinkAppendError) Error() string {
	return fmt.Sprintf("append chunk %d: %v", e.Chunk, e.Err)
}

func (e *SinkAppendError) Unwrap() error { return e.Err }
