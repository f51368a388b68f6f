package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-studio/internal/eventstore"
	"github.com/loqalabs/loqa-studio/internal/protocol"
	"github.com/loqalabs/loqa-studio/internal/synth"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxRequestBytes = 1 << 20
	defaultHistory  = 50
)

// ttsRequest is the body of POST /api/tts.
type ttsRequest struct {
	Text             string  `json:"text"`
	VoiceID          string  `json:"voice_id"`
	Speed            float64 `json:"speed"`
	Pitch            float64 `json:"pitch"`
	Loudness         float64 `json:"loudness"`
	Emotion          string  `json:"emotion"`
	EmotionIntensity float64 `json:"emotion_intensity"`
	Language         string  `json:"language"`
	AppID            string  `json:"app_id"`
	AccessToken      string  `json:"access_token"`
	ResourceID       string  `json:"resource_id"`
}

func (r ttsRequest) synthRequest(sessionID string) synth.Request {
	return synth.Request{
		SessionID:        sessionID,
		Text:             r.Text,
		VoiceID:          r.VoiceID,
		Language:         r.Language,
		Speed:            r.Speed,
		Pitch:            r.Pitch,
		Loudness:         r.Loudness,
		Emotion:          r.Emotion,
		EmotionIntensity: r.EmotionIntensity,
		Credentials: synth.Credentials{
			AppID:       r.AppID,
			AccessToken: r.AccessToken,
			ResourceID:  r.ResourceID,
		},
	}.WithDefaults()
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	list := s.deps.Catalog.All()
	if lang := r.URL.Query().Get("lang"); lang != "" {
		list = s.deps.Catalog.ByLanguage(lang)
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": list})
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"message": "TTS API is ready. Use POST to generate audio.",
		})
	case http.MethodPost:
		s.handleSynthesize(w, r)
	default:
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var body ttsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&body); err != nil {
		writeText(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeText(w, http.StatusBadRequest, "missing text")
		return
	}
	req := body.synthRequest(uuid.NewString())
	if _, ok := s.deps.Catalog.Lookup(req.VoiceID, req.Language); !ok {
		writeText(w, http.StatusBadRequest, "invalid voice")
		return
	}

	ctx, span := s.tracer.Start(r.Context(), "tts.synthesize", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("voice.id", req.VoiceID),
		attribute.String("language", req.Language),
		attribute.String("synth.backend", s.deps.Synth.Name()),
		attribute.Int("text.chars", len([]rune(req.Text))),
	))
	defer span.End()

	rec := s.newRecording(ctx, req)
	s.metrics.requests.Add(ctx, 1, metric.WithAttributes(rec.attrs...))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	chunks, errs := s.deps.Synth.Synthesize(ctx, req)

	started := false
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if !started {
				started = true
				rec.firstChunk()
				w.Header().Set("Content-Type", "audio/mpeg")
				w.Header().Set("Cache-Control", "no-store")
				w.Header().Set("X-Session-Id", req.SessionID)
				w.WriteHeader(http.StatusOK)
			}
			if _, err := w.Write(chunk.Audio); err != nil {
				cancel()
				rec.finish(eventstore.StatusCancelled, err)
				return
			}
			_ = http.NewResponseController(w).Flush()
			rec.bytes += int64(len(chunk.Audio))
		case err, ok := <-errs:
			if ok && err != nil {
				synthErr = err
			}
			errs = nil
		}
	}

	switch {
	case synthErr != nil && errors.Is(r.Context().Err(), context.Canceled):
		rec.finish(eventstore.StatusCancelled, synthErr)
	case synthErr != nil:
		span.RecordError(synthErr)
		span.SetStatus(codes.Error, synthErr.Error())
		rec.finish(eventstore.StatusFailed, synthErr)
		if !started {
			writeText(w, synthErrorStatus(synthErr), synthErr.Error())
			return
		}
		// Abort the connection so the client sees a truncated body rather
		// than a clean end of stream.
		panic(http.ErrAbortHandler)
	default:
		rec.finish(eventstore.StatusCompleted, nil)
		if !started {
			w.Header().Set("Content-Type", "audio/mpeg")
			w.WriteHeader(http.StatusOK)
		}
	}
}

func synthErrorStatus(err error) int {
	if errors.Is(err, synth.ErrMissingCredentials) {
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := defaultHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeText(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if id := r.URL.Query().Get("session"); id != "" {
		events, err := s.deps.Store.ListSessionEvents(r.Context(), id, limit)
		if err != nil {
			s.logger.Error("list session events failed", slogError(err))
			writeText(w, http.StatusInternalServerError, "history unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": nonNil(events)})
		return
	}
	sessions, err := s.deps.Store.ListSessions(r.Context(), limit)
	if err != nil {
		s.logger.Error("list sessions failed", slogError(err))
		writeText(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": nonNil(sessions)})
}

// recording tracks one synthesis session across the event store, the bus and
// the metrics instruments.
type recording struct {
	s       *Server
	ctx     context.Context
	req     synth.Request
	traceID string
	attrs   []attribute.KeyValue
	start   time.Time
	firstMS int64
	bytes   int64
}

func (s *Server) newRecording(ctx context.Context, req synth.Request) *recording {
	rec := &recording{
		s:       s,
		ctx:     context.WithoutCancel(ctx),
		req:     req,
		traceID: trace.SpanContextFromContext(ctx).TraceID().String(),
		attrs: []attribute.KeyValue{
			attribute.String("backend", s.deps.Synth.Name()),
			attribute.String("language", req.Language),
		},
		start: time.Now(),
	}
	err := s.deps.Store.AppendSession(rec.ctx, eventstore.Session{
		ID:        req.SessionID,
		VoiceID:   req.VoiceID,
		Language:  req.Language,
		Backend:   s.deps.Synth.Name(),
		TextChars: len([]rune(req.Text)),
	})
	if err != nil {
		s.logger.Warn("failed to record session", slogError(err))
	}
	rec.event("synthesis.started", nil)
	rec.publish(protocol.SubjectSynthesisStarted, "streaming", "")
	s.logger.Info("synthesis started",
		slog.String("session_id", req.SessionID),
		slog.String("voice_id", req.VoiceID),
		slog.String("language", req.Language))
	return rec
}

func (rec *recording) firstChunk() {
	rec.firstMS = time.Since(rec.start).Milliseconds()
	rec.s.metrics.firstChunk.Record(rec.ctx, float64(rec.firstMS), metric.WithAttributes(rec.attrs...))
	rec.event("synthesis.first_chunk", map[string]any{"latency_ms": rec.firstMS})
}

func (rec *recording) finish(status string, err error) {
	s := rec.s
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if status == eventstore.StatusFailed {
		attrs := append(append([]attribute.KeyValue(nil), rec.attrs...), attribute.String("reason", failureReason(err)))
		s.metrics.failures.Add(rec.ctx, 1, metric.WithAttributes(attrs...))
	}
	s.metrics.bytes.Add(rec.ctx, rec.bytes, metric.WithAttributes(rec.attrs...))

	if ferr := s.deps.Store.FinishSession(rec.ctx, rec.req.SessionID, status, rec.bytes, errMsg); ferr != nil {
		s.logger.Warn("failed to finish session", slogError(ferr))
	}
	rec.event("synthesis."+status, map[string]any{"bytes": rec.bytes, "error": errMsg})

	subject := protocol.SubjectSynthesisCompleted
	if status != eventstore.StatusCompleted {
		subject = protocol.SubjectSynthesisFailed
	}
	rec.publish(subject, status, errMsg)

	attrs := []any{
		slog.String("session_id", rec.req.SessionID),
		slog.String("status", status),
		slog.Int64("bytes", rec.bytes),
		slog.Duration("elapsed", time.Since(rec.start)),
	}
	if err != nil {
		s.logger.Warn("synthesis ended", append(attrs, slogError(err))...)
		return
	}
	s.logger.Info("synthesis ended", attrs...)
}

func (rec *recording) event(typ string, payload map[string]any) {
	var data []byte
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	err := rec.s.deps.Store.AppendEvent(rec.ctx, eventstore.Event{
		SessionID: rec.req.SessionID,
		TraceID:   rec.traceID,
		Type:      typ,
		Payload:   data,
	})
	if err != nil {
		rec.s.logger.Warn("failed to record event", slog.String("type", typ), slogError(err))
	}
}

func (rec *recording) publish(subject, state, errMsg string) {
	err := rec.s.deps.Bus.PublishJSON(subject, protocol.SynthesisStatus{
		SessionID: rec.req.SessionID,
		VoiceID:   rec.req.VoiceID,
		Language:  rec.req.Language,
		Backend:   rec.s.deps.Synth.Name(),
		State:     state,
		Bytes:     rec.bytes,
		FirstMS:   rec.firstMS,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		rec.s.logger.Warn("failed to publish synthesis status", slogError(err))
	}
}

func failureReason(err error) string {
	var upstream *synth.UpstreamError
	switch {
	case errors.Is(err, synth.ErrMissingCredentials):
		return "credentials"
	case errors.As(err, &upstream):
		return "upstream"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

// writeText writes msg as the whole body, without a trailing newline.
func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
