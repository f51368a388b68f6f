package synth

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-studio/internal/config"
)

const mockChunkInterval = 40 * time.Millisecond

// New builds the backend selected by cfg.Mode.
func New(cfg config.SynthConfig, client *http.Client, logger *slog.Logger) (Synthesizer, error) {
	switch cfg.Mode {
	case "byteplus":
		return NewBytePlusSynth(cfg, client, logger), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate)
	case "mock", "":
		return NewMockSynth(mockChunkInterval), nil
	default:
		return nil, fmt.Errorf("unknown synth mode %q", cfg.Mode)
	}
}
