package tts

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-studio/internal/bus"
	"github.com/loqalabs/loqa-studio/internal/config"
	"github.com/loqalabs/loqa-studio/internal/natsserver"
	"github.com/loqalabs/loqa-studio/internal/protocol"
	"github.com/loqalabs/loqa-studio/internal/synth"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startService(t *testing.T) *bus.Client {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "tts-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	svc := NewService(context.Background(), client, synth.NewMockSynth(0), nil, time.Second, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatalf("service should be healthy after start")
	}
	return client
}

func collect(t *testing.T, sub *nats.Subscription) []protocol.AudioChunk {
	t.Helper()
	var out []protocol.AudioChunk
	for {
		msg, err := sub.NextMsg(2 * time.Second)
		if err != nil {
			t.Fatalf("next msg: %v", err)
		}
		var chunk protocol.AudioChunk
		if err := json.Unmarshal(msg.Data, &chunk); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		out = append(out, chunk)
		if chunk.Final {
			return out
		}
	}
}

func TestServiceStreamsAudioOverBus(t *testing.T) {
	client := startService(t)
	sub, err := client.Conn().SubscribeSync(protocol.SubjectSynthesisAudio + ".s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	req := protocol.SynthesisRequest{SessionID: "s1", Text: "hello", Language: "zh"}
	if err := client.PublishJSON(protocol.SubjectSynthesisRequest, req); err != nil {
		t.Fatalf("publish: %v", err)
	}

	chunks := collect(t, sub)
	total := 0
	for i, c := range chunks {
		if c.Sequence != i || c.SessionID != "s1" {
			t.Fatalf("unexpected chunk %d: %+v", i, c)
		}
		total += len(c.Audio)
	}
	last := chunks[len(chunks)-1]
	if last.Error != "" {
		t.Fatalf("unexpected error %q", last.Error)
	}
	// "hello" is five runes of four frames each.
	if want := len(synth.SilentFrames(20)); total != want {
		t.Fatalf("expected %d audio bytes, got %d", want, total)
	}
}

func TestServiceRejectsUnknownVoice(t *testing.T) {
	client := startService(t)
	sub, err := client.Conn().SubscribeSync(protocol.SubjectSynthesisAudio + ".s2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	req := protocol.SynthesisRequest{SessionID: "s2", Text: "hi", VoiceID: "nope", Language: "en"}
	if err := client.PublishJSON(protocol.SubjectSynthesisRequest, req); err != nil {
		t.Fatalf("publish: %v", err)
	}
	chunks := collect(t, sub)
	if len(chunks) != 1 || chunks[0].Error != "invalid voice" {
		t.Fatalf("expected a single invalid voice reply, got %+v", chunks)
	}
}

func TestServiceRepliesToInbox(t *testing.T) {
	client := startService(t)
	inbox := nats.NewInbox()
	sub, err := client.Conn().SubscribeSync(inbox)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	data, _ := json.Marshal(protocol.SynthesisRequest{Text: "hi", Language: "en", VoiceID: "en_female_sarah_mars_bigtts"})
	if err := client.Conn().PublishRequest(protocol.SubjectSynthesisRequest, inbox, data); err != nil {
		t.Fatalf("publish request: %v", err)
	}
	chunks := collect(t, sub)
	if chunks[0].SessionID == "" {
		t.Fatalf("service should assign a session id")
	}
	if last := chunks[len(chunks)-1]; last.Error != "" {
		t.Fatalf("unexpected error %q", last.Error)
	}
}
