package studio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-studio/internal/stream"
	"github.com/loqalabs/loqa-studio/internal/transport"
	"github.com/loqalabs/loqa-studio/internal/voices"
)

const mimeType = "audio/mpeg"

var (
	ErrEmptyText  = errors.New("text must not be empty")
	ErrEmptyVoice = errors.New("voice must not be empty")
)

// RequestError is returned when the backend answers with a non-2xx status.
// Message is the response body verbatim.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

// Sink is the playback element that media sources are attached to.
// OpenSource replaces the attached source; Detach stops playback and drops
// it, discarding any signal it would still raise.
type Sink interface {
	transport.Element
	OpenSource() (stream.MediaSource, error)
	Detach()
}

// Request is the synthesis request body.
type Request struct {
	Text             string  `json:"text"`
	VoiceID          string  `json:"voice_id"`
	Speed            float64 `json:"speed"`
	Pitch            float64 `json:"pitch"`
	Loudness         float64 `json:"loudness"`
	Emotion          string  `json:"emotion,omitempty"`
	EmotionIntensity float64 `json:"emotion_intensity"`
	Language         string  `json:"language"`
	AppID            string  `json:"app_id,omitempty"`
	AccessToken      string  `json:"access_token,omitempty"`
	ResourceID       string  `json:"resource_id,omitempty"`
}

// State is what the UI shows besides transport state.
type State struct {
	Loading bool
	Err     error
	Stats   stream.Stats
}

type Options struct {
	Ingest       stream.IngestOptions
	PollInterval time.Duration
	// AutoPlay starts playback as soon as the media source is attached.
	AutoPlay bool
}

// Client requests synthesis from the backend and streams the response into
// the sink. Starting a request supersedes the one in flight.
type Client struct {
	baseURL    string
	http       *http.Client
	sink       Sink
	controller *transport.Controller
	opts       Options
	logger     *slog.Logger

	mu      sync.Mutex
	seq     uint64
	cancel  context.CancelFunc
	adapter *stream.Adapter
	state   State
	onState func(State)
}

func NewClient(baseURL string, httpClient *http.Client, sink Sink, controller *transport.Controller, opts Options, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       httpClient,
		sink:       sink,
		controller: controller,
		opts:       opts,
		logger:     logger.With(slog.String("component", "studio-client")),
	}
}

// OnState registers fn to receive loading and error changes.
func (c *Client) OnState(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Voices fetches the backend voice catalog.
func (c *Client) Voices(ctx context.Context) ([]voices.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/get_voices", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, requestError(resp)
	}
	var body struct {
		Voices []voices.Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}
	return body.Voices, nil
}

// Generate runs one synthesis request to completion. It returns
// context.Canceled when a later request or Stop superseded it.
func (c *Client) Generate(ctx context.Context, r Request) error {
	if strings.TrimSpace(r.Text) == "" {
		return ErrEmptyText
	}
	if r.VoiceID == "" {
		return ErrEmptyVoice
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	seq := c.begin(cancel)

	err := c.run(ctx, seq, cancel, r)
	recorded := err
	if errors.Is(err, context.Canceled) {
		recorded = nil
	}
	if c.finish(seq, recorded) && recorded != nil {
		c.controller.Halt()
	}
	return err
}

func (c *Client) run(ctx context.Context, seq uint64, cancel context.CancelFunc, r Request) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tts", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return requestError(resp)
	}

	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		return context.Canceled
	}
	src, err := c.sink.OpenSource()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("open media source: %w", err)
	}
	adapter, err := stream.NewAdapter(src, mimeType,
		stream.WithLogger(c.logger),
		stream.WithFatalHandler(func(error) { cancel() }))
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.adapter = adapter
	c.mu.Unlock()

	if c.opts.AutoPlay {
		c.controller.Play()
	}
	p := &stream.Pipeline{
		Adapter:      adapter,
		Ingest:       c.opts.Ingest,
		PollInterval: c.opts.PollInterval,
		Logger:       c.logger,
	}
	err = p.Run(ctx, resp.Body)
	if errors.Is(err, stream.ErrAbandoned) && ctx.Err() != nil {
		err = ctx.Err()
	}

	c.mu.Lock()
	if seq == c.seq {
		c.state.Stats = adapter.Stats()
	}
	c.mu.Unlock()
	return err
}

// begin supersedes the in-flight request, silences its audio and marks the
// client loading. The sink and transport are reset under the lock so a
// superseded request can never reset a newer one.
func (c *Client) begin(cancel context.CancelFunc) uint64 {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.adapter != nil {
		c.adapter.Abandon()
		c.adapter = nil
	}
	c.sink.Detach()
	c.controller.Reset()
	c.seq++
	seq := c.seq
	c.cancel = cancel
	c.state = State{Loading: true}
	st, fn := c.state, c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
	return seq
}

// finish records the outcome if seq is still the current request.
func (c *Client) finish(seq uint64, err error) bool {
	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		return false
	}
	c.cancel = nil
	c.state.Loading = false
	c.state.Err = err
	st, fn := c.state, c.onState
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("synthesis failed", slog.String("error", err.Error()))
	}
	if fn != nil {
		fn(st)
	}
	return true
}

// Stop abandons the in-flight request and halts playback.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.adapter != nil {
		c.adapter.Abandon()
	}
	c.mu.Unlock()
	c.controller.Halt()
}

func requestError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return &RequestError{Status: resp.StatusCode, Message: string(msg)}
}
