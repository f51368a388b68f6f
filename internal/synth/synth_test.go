package synth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/loqalabs/loqa-studio/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func collect(chunks <-chan Chunk, errs <-chan error) ([]Chunk, error) {
	var out []Chunk
	for c := range chunks {
		out = append(out, c)
	}
	return out, <-errs
}

func bytePlusConfig(endpoint string) config.SynthConfig {
	cfg := config.Default().Synth
	cfg.Mode = "byteplus"
	cfg.Endpoint = endpoint
	cfg.AppID = "app"
	cfg.AccessToken = "token"
	cfg.ResourceID = "resource"
	return cfg
}

func TestPitchShift(t *testing.T) {
	cases := map[float64]int{0.5: -12, 0.75: -6, 1: 0, 1.04: 0, 1.5: 6, 2: 12, 3: 12, 0: -12}
	for in, want := range cases {
		if got := pitchShift(in); got != want {
			t.Fatalf("pitchShift(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestBuildPayload(t *testing.T) {
	b := NewBytePlusSynth(bytePlusConfig("http://unused"), nil, newLogger())
	req := Request{Text: "hola", VoiceID: "v", Language: "es", Speed: 1.5, Loudness: 0.5, Pitch: 1.5, Emotion: "happy"}.WithDefaults()
	data, err := b.buildPayload(req)
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	var p bpPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	ap := p.ReqParams.AudioParams
	if ap.SpeechRate != 50 || ap.LoudnessRate != -50 || ap.Format != "mp3" || ap.SampleRate != 24000 {
		t.Fatalf("unexpected audio params %+v", ap)
	}
	if ap.Emotion != "happy" || ap.EmotionScale != DefaultEmotionIntensity {
		t.Fatalf("expected emotion params, got %+v", ap)
	}
	if p.ReqParams.Model != "seed-tts-1.1" || p.User.UID != "12345" {
		t.Fatalf("unexpected fixed params %+v", p)
	}
	var add bpAdditions
	if err := json.Unmarshal([]byte(p.ReqParams.Additions), &add); err != nil {
		t.Fatalf("additions must be a JSON string: %v", err)
	}
	if add.ExplicitLanguage != "es-mx" || add.PostProcess == nil || add.PostProcess.Pitch != 6 {
		t.Fatalf("unexpected additions %+v", add)
	}

	neutral := Request{Text: "x", Language: "fr", Emotion: "neutral"}.WithDefaults()
	data, _ = b.buildPayload(neutral)
	var raw map[string]any
	_ = json.Unmarshal(data, &raw)
	params := raw["req_params"].(map[string]any)["audio_params"].(map[string]any)
	if _, ok := params["emotion"]; ok {
		t.Fatalf("neutral emotion must be omitted")
	}
	if !bytes.Contains([]byte(raw["req_params"].(map[string]any)["additions"].(string)), []byte(`"explicit_language":"zh"`)) {
		t.Fatalf("unknown language should map to zh")
	}
	if bytes.Contains(data, []byte("post_process")) {
		t.Fatalf("zero pitch shift must be omitted")
	}
}

func streamLine(code int, audio []byte) string {
	data := ""
	if audio != nil {
		data = base64.StdEncoding.EncodeToString(audio)
	}
	return fmt.Sprintf(`{"code":%d,"message":"","data":%q}`+"\n", code, data)
}

func TestBytePlusStream(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		flusher := w.(http.Flusher)
		io.WriteString(w, streamLine(0, []byte("abc")))
		flusher.Flush()
		io.WriteString(w, "not json\n")
		io.WriteString(w, streamLine(0, nil))
		io.WriteString(w, streamLine(0, []byte("defg")))
		io.WriteString(w, streamLine(codeStreamEnd, nil))
		io.WriteString(w, streamLine(0, []byte("ignored")))
	}))
	defer srv.Close()

	b := NewBytePlusSynth(bytePlusConfig(srv.URL), srv.Client(), newLogger())
	req := Request{Text: "hello", Credentials: Credentials{AccessToken: "override"}}
	chunks, err := collect(b.Synthesize(context.Background(), req))
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(chunks) != 2 || string(chunks[0].Audio) != "abc" || string(chunks[1].Audio) != "defg" || chunks[1].Sequence != 1 {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
	gotHeaders := <-headers
	if gotHeaders.Get("X-Api-App-Id") != "app" || gotHeaders.Get("X-Api-Access-Key") != "override" {
		t.Fatalf("unexpected credential headers %v", gotHeaders)
	}
	if gotHeaders.Get("X-Api-App-Key") != "aGjiRDfUWi" {
		t.Fatalf("expected app key header")
	}
}

func TestBytePlusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Resource-Id") == "bad" {
			http.Error(w, "forbidden resource", http.StatusForbidden)
			return
		}
		io.WriteString(w, streamLine(0, []byte("a")))
		io.WriteString(w, `{"code":45000001,"message":"quota exceeded"}`+"\n")
	}))
	defer srv.Close()
	b := NewBytePlusSynth(bytePlusConfig(srv.URL), srv.Client(), newLogger())

	_, err := collect(b.Synthesize(context.Background(), Request{Text: "x", Credentials: Credentials{ResourceID: "bad"}}))
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.Status != http.StatusForbidden || upstream.Message != "forbidden resource" {
		t.Fatalf("expected HTTP upstream error, got %v", err)
	}

	chunks, err := collect(b.Synthesize(context.Background(), Request{Text: "x"}))
	if !errors.As(err, &upstream) || upstream.Code != 45000001 || len(chunks) != 1 {
		t.Fatalf("expected stream error after one chunk, got %v (%d chunks)", err, len(chunks))
	}

	cfg := bytePlusConfig(srv.URL)
	cfg.AppID = ""
	noCreds := NewBytePlusSynth(cfg, srv.Client(), newLogger())
	if _, err := collect(noCreds.Synthesize(context.Background(), Request{Text: "x"})); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected missing credentials, got %v", err)
	}
}

func TestMockSynthProducesSilentFrames(t *testing.T) {
	m := NewMockSynth(0)
	chunks, err := collect(m.Synthesize(context.Background(), Request{Text: "hello"}))
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	total := 0
	for i, c := range chunks {
		if c.Sequence != i {
			t.Fatalf("unexpected sequence %d at %d", c.Sequence, i)
		}
		if len(c.Audio)%silentFrameSize != 0 || !bytes.Equal(c.Audio[:4], silentFrameHeader[:]) {
			t.Fatalf("chunk %d is not whole frames", i)
		}
		total += len(c.Audio) / silentFrameSize
	}
	if total != 5*framesPerRune {
		t.Fatalf("expected %d frames, got %d", 5*framesPerRune, total)
	}
}

func TestMockSynthCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := NewMockSynth(time.Hour).Synthesize(ctx, Request{Text: "a long enough text"})
	<-chunks
	cancel()
	for range chunks {
	}
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestExecSynth(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	a := base64.StdEncoding.EncodeToString([]byte("one"))
	b := base64.StdEncoding.EncodeToString([]byte("two"))
	script := fmt.Sprintf(`sh -c 'cat >/dev/null; echo "{\"audio_base64\":\"%s\"}"; echo "{\"audio_base64\":\"%s\",\"final\":true}"'`, a, b)
	s, err := NewExecSynth(script, 24000)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	chunks, err := collect(s.Synthesize(context.Background(), Request{Text: "hi"}))
	if err != nil {
		t.Fatalf("exec synth: %v", err)
	}
	if len(chunks) != 2 || string(chunks[0].Audio) != "one" || string(chunks[1].Audio) != "two" {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
	if _, err := NewExecSynth("", 24000); err == nil {
		t.Fatalf("expected empty command error")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	for mode, name := range map[string]string{"mock": "mock", "byteplus": "byteplus"} {
		cfg := bytePlusConfig("http://unused")
		cfg.Mode = mode
		s, err := New(cfg, nil, newLogger())
		if err != nil || s.Name() != name {
			t.Fatalf("mode %s: got %v, %v", mode, s, err)
		}
	}
	if _, err := New(config.SynthConfig{Mode: "nope"}, nil, newLogger()); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}
