package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-studio/internal/bus"
	"github.com/loqalabs/loqa-studio/internal/protocol"
	"github.com/loqalabs/loqa-studio/internal/synth"
	"github.com/loqalabs/loqa-studio/internal/voices"
	"github.com/nats-io/nats.go"
)

const defaultTimeout = 2 * time.Minute

// Service answers synthesis requests received on the bus, streaming the
// audio back as AudioChunk messages.
type Service struct {
	bus     *bus.Client
	synth   synth.Synthesizer
	catalog *voices.Catalog
	timeout time.Duration
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, s synth.Synthesizer, catalog *voices.Catalog, timeout time.Duration, log *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if catalog == nil {
		catalog = voices.Builtin()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:     busClient,
		synth:   s,
		catalog: catalog,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSynthesisRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesis request", slogError(err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	subject := msg.Reply
	if subject == "" {
		subject = protocol.SubjectSynthesisAudio + "." + req.SessionID
	}

	sreq := synth.Request{
		SessionID:        req.SessionID,
		Text:             req.Text,
		VoiceID:          req.VoiceID,
		Language:         req.Language,
		Speed:            req.Speed,
		Pitch:            req.Pitch,
		Loudness:         req.Loudness,
		Emotion:          req.Emotion,
		EmotionIntensity: req.EmotionIntensity,
	}.WithDefaults()
	if strings.TrimSpace(sreq.Text) == "" {
		s.publish(subject, protocol.AudioChunk{SessionID: req.SessionID, Final: true, Error: "missing text"})
		return
	}
	if _, ok := s.catalog.Lookup(sreq.VoiceID, sreq.Language); !ok {
		s.publish(subject, protocol.AudioChunk{SessionID: req.SessionID, Final: true, Error: "invalid voice"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		chunks, errs := s.synth.Synthesize(ctx, sreq)
		sequence := 0
		var synthErr error
		for chunks != nil || errs != nil {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				s.publish(subject, protocol.AudioChunk{SessionID: req.SessionID, Sequence: sequence, Audio: chunk.Audio})
				sequence++
			case err, ok := <-errs:
				if ok && err != nil {
					synthErr = err
				}
				errs = nil
			}
		}

		final := protocol.AudioChunk{SessionID: req.SessionID, Sequence: sequence, Final: true}
		if synthErr != nil {
			s.logger.Warn("bus synthesis failed", slog.String("session_id", req.SessionID), slogError(synthErr))
			final.Error = synthErr.Error()
		}
		s.publish(subject, final)
	}()
}

func (s *Service) publish(subject string, chunk protocol.AudioChunk) {
	if err := s.bus.PublishJSON(subject, chunk); err != nil {
		s.logger.Warn("failed to publish audio chunk", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
