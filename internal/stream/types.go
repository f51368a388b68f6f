package stream

import "fmt"

// Chunk is one unit of audio bytes as delivered by the network. Chunk
// boundaries carry no meaning; chunks must never be modified once submitted.
type Chunk []byte

// SinkState tracks whether an append is outstanding on the source buffer.
type SinkState int

const (
	SinkIdle SinkState = iota
	SinkAppending
)

func (s SinkState) String() string {
	switch s {
	case SinkIdle:
		return "idle"
	case SinkAppending:
		return "appending"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Lifecycle governs whether appends and the final close are legal.
// LifecycleEnded and LifecycleErrored are terminal.
type Lifecycle int

const (
	LifecycleOpening Lifecycle = iota
	LifecycleOpen
	LifecycleEnded
	LifecycleErrored
)

var lifecycleNames = [...]string{"opening", "open", "ended", "errored"}

func (l Lifecycle) String() string {
	if int(l) >= 0 && int(l) < len(lifecycleNames) {
		return lifecycleNames[l]
	}
	return fmt.Sprintf("unknown(%d)", int(l))
}

func (l Lifecycle) terminal() bool {
	return l == LifecycleEnded || l == LifecycleErrored
}

// ReadyState mirrors the readiness of the underlying media source.
type ReadyState int

const (
	ReadyClosed ReadyState = iota
	ReadyOpen
	ReadyEnded
)

func (r ReadyState) String() string {
	switch r {
	case ReadyClosed:
		return "closed"
	case ReadyOpen:
		return "open"
	case ReadyEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// MediaSource is an append-only incremental media buffer attached to a
// playback element.
type MediaSource interface {
	AddSourceBuffer(mime string) (SourceBuffer, error)
	EndOfStream() error
	ReadyState() ReadyState
}

// SourceBuffer accepts one asynchronous append at a time.
//
// AppendBuffer either rejects the chunk synchronously or starts the append and
// later invokes done exactly once. done must not be invoked on the calling
// goroutine before AppendBuffer returns.
type SourceBuffer interface {
	AppendBuffer(chunk []byte, done func(error)) error
}

// Stats summarises a single stream's delivery.
type Stats struct {
	ChunksSubmitted int
	ChunksAppended  int
	BytesAppended   int64
	PeakBacklog     int
}
