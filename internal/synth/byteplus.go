package synth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-studio/internal/config"
)

// codeStreamEnd marks a successful end of the upstream stream.
const codeStreamEnd = 20000000

const maxLineBytes = 8 << 20

var explicitLanguages = map[string]string{
	"zh": "zh",
	"en": "en",
	"ja": "ja",
	"es": "es-mx",
}

// BytePlusSynth streams mp3 audio from the BytePlus unidirectional TTS API.
type BytePlusSynth struct {
	endpoint   string
	appKey     string
	model      string
	sampleRate int
	creds      Credentials
	client     *http.Client
	logger     *slog.Logger
}

func NewBytePlusSynth(cfg config.SynthConfig, client *http.Client, logger *slog.Logger) *BytePlusSynth {
	if client == nil {
		client = http.DefaultClient
	}
	return &BytePlusSynth{
		endpoint:   cfg.Endpoint,
		appKey:     cfg.AppKey,
		model:      cfg.Model,
		sampleRate: cfg.SampleRate,
		creds:      Credentials{AppID: cfg.AppID, AccessToken: cfg.AccessToken, ResourceID: cfg.ResourceID},
		client:     client,
		logger:     logger.With(slog.String("component", "synth-byteplus")),
	}
}

func (b *BytePlusSynth) Name() string { return "byteplus" }

type bpPayload struct {
	User      bpUser      `json:"user"`
	ReqParams bpReqParams `json:"req_params"`
}

type bpUser struct {
	UID string `json:"uid"`
}

type bpReqParams struct {
	Text        string        `json:"text"`
	Speaker     string        `json:"speaker"`
	Model       string        `json:"model,omitempty"`
	Additions   string        `json:"additions"`
	AudioParams bpAudioParams `json:"audio_params"`
}

type bpAudioParams struct {
	Format       string  `json:"format"`
	SampleRate   int     `json:"sample_rate"`
	SpeechRate   int     `json:"speech_rate"`
	LoudnessRate int     `json:"loudness_rate"`
	Emotion      string  `json:"emotion,omitempty"`
	EmotionScale float64 `json:"emotion_scale,omitempty"`
}

type bpAdditions struct {
	DisableMarkdownFilter        bool           `json:"disable_markdown_filter"`
	EnableLanguageDetector       bool           `json:"enable_language_detector"`
	ExplicitLanguage             string         `json:"explicit_language"`
	EnableLatexTN                bool           `json:"enable_latex_tn"`
	DisableDefaultBitRate        bool           `json:"disable_default_bit_rate"`
	MaxLengthToFilterParenthesis int            `json:"max_length_to_filter_parenthesis"`
	CacheConfig                  bpCacheConfig  `json:"cache_config"`
	PostProcess                  *bpPostProcess `json:"post_process,omitempty"`
}

type bpCacheConfig struct {
	TextType int  `json:"text_type"`
	UseCache bool `json:"use_cache"`
}

type bpPostProcess struct {
	Pitch int `json:"pitch"`
}

type bpLine struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// pitchShift maps a 0.5-2.0 multiplier onto semitones in [-12, 12].
func pitchShift(pitch float64) int {
	var v int
	if pitch < 1 {
		v = int((pitch - 1) * 24)
	} else {
		v = int((pitch - 1) * 12)
	}
	return max(-12, min(12, v))
}

func explicitLanguage(lang string) string {
	if v, ok := explicitLanguages[lang]; ok {
		return v
	}
	return "zh"
}

func (b *BytePlusSynth) buildPayload(req Request) ([]byte, error) {
	additions := bpAdditions{
		DisableMarkdownFilter:  true,
		EnableLanguageDetector: true,
		ExplicitLanguage:       explicitLanguage(req.Language),
		EnableLatexTN:          true,
		DisableDefaultBitRate:  true,
		CacheConfig:            bpCacheConfig{TextType: 1, UseCache: true},
	}
	if p := pitchShift(req.Pitch); p != 0 {
		additions.PostProcess = &bpPostProcess{Pitch: p}
	}
	encoded, err := json.Marshal(additions)
	if err != nil {
		return nil, err
	}

	audio := bpAudioParams{
		Format:       "mp3",
		SampleRate:   b.sampleRate,
		SpeechRate:   int((req.Speed - 1) * 100),
		LoudnessRate: int((req.Loudness - 1) * 100),
	}
	if req.Emotion != "" && req.Emotion != "neutral" {
		audio.Emotion = req.Emotion
		audio.EmotionScale = req.EmotionIntensity
	}
	return json.Marshal(bpPayload{
		User: bpUser{UID: "12345"},
		ReqParams: bpReqParams{
			Text:        req.Text,
			Speaker:     req.VoiceID,
			Model:       b.model,
			Additions:   string(encoded),
			AudioParams: audio,
		},
	})
}

func (b *BytePlusSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := b.stream(ctx, req.WithDefaults(), chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (b *BytePlusSynth) stream(ctx context.Context, req Request, out chan<- Chunk) error {
	creds := req.Credentials.merge(b.creds)
	if !creds.complete() {
		return ErrMissingCredentials
	}
	body, err := b.buildPayload(req)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("X-Api-App-Id", creds.AppID)
	httpReq.Header.Set("X-Api-Access-Key", creds.AccessToken)
	httpReq.Header.Set("X-Api-Resource-Id", creds.ResourceID)
	httpReq.Header.Set("X-Api-App-Key", b.appKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &UpstreamError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	sequence := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg bpLine
		if err := json.Unmarshal(line, &msg); err != nil {
			b.logger.Debug("skipping malformed stream line", slog.String("error", err.Error()))
			continue
		}
		switch {
		case msg.Code == codeStreamEnd:
			return nil
		case msg.Code != 0:
			return &UpstreamError{Code: msg.Code, Message: msg.Message}
		case msg.Data == "":
			continue
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return fmt.Errorf("decode audio chunk %d: %w", sequence, err)
		}
		if !send(ctx, out, Chunk{Sequence: sequence, Audio: audio}) {
			return ctx.Err()
		}
		sequence++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read synthesis stream: %w", err)
	}
	return nil
}
