package stream

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Pipeline drives one synthesis response into one adapter: ingestion
// followed by end-of-stream finalization. Pipelines are never reused.
type Pipeline struct {
	Adapter      *Adapter
	Ingest       IngestOptions
	PollInterval time.Duration
	Logger       *slog.Logger

	finalizer Finalizer
}

// Run consumes body until the stream is closed, fails, or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, body io.Reader) error {
	logger := p.Logger
	if logger == nil {
		logger = p.Adapter.logger
	}
	start := time.Now()

	if err := Ingest(ctx, body, p.Adapter, p.Ingest); err != nil {
		return err
	}
	logger.Debug("audio source exhausted",
		slog.Int("chunks", p.Adapter.Stats().ChunksSubmitted),
		slog.Int("backlog", p.Adapter.Backlog()))

	p.finalizer.Interval = p.PollInterval
	if err := p.finalizer.Run(ctx, p.Adapter); err != nil {
		return err
	}

	stats := p.Adapter.Stats()
	logger.Info("audio stream closed",
		slog.Int("chunks", stats.ChunksAppended),
		slog.Int64("bytes", stats.BytesAppended),
		slog.Int("peak_backlog", stats.PeakBacklog),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (p *Pipeline) FinalizerState() FinalizerState {
	return p.finalizer.State()
}
