package stream

import (
	"context"
	"errors"
	"io"
)

const DefaultReadSize = 32 * 1024

// IngestOptions tunes the ingestion loop.
type IngestOptions struct {
	// ReadSize is the buffer handed to each body read.
	ReadSize int
	// MaxBacklog pauses reading while this many chunks are queued. Zero
	// leaves the queue unbounded.
	MaxBacklog int
}

func (o IngestOptions) readSize() int {
	if o.ReadSize <= 0 {
		return DefaultReadSize
	}
	return o.ReadSize
}

// Ingest reads body one chunk at a time and submits each chunk to the
// adapter. It returns nil once body is exhausted; the caller then finalizes.
// On a read failure the adapter is abandoned and a NetworkReadError returned.
func Ingest(ctx context.Context, body io.Reader, a *Adapter, opts IngestOptions) error {
	buf := make([]byte, opts.readSize())
	for {
		if err := a.WaitBacklog(ctx, opts.MaxBacklog); err != nil {
			return ingestFailure(ctx, a, err)
		}
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make(Chunk, n)
			copy(chunk, buf[:n])
			if serr := a.Submit(chunk); serr != nil {
				return serr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return ingestFailure(ctx, a, err)
		}
	}
}

func ingestFailure(ctx context.Context, a *Adapter, err error) error {
	if sinkErr := a.Err(); sinkErr != nil {
		return sinkErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		a.Abandon()
		return ctxErr
	}
	a.Abandon()
	return &NetworkReadError{Err: err}
}
