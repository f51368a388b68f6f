package synth

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth runs a local command per request. The command reads one JSON
// request on stdin and writes NDJSON audio lines on stdout.
type execSynth struct {
	cmd        []string
	sampleRate int
	mu         sync.Mutex
}

type execRequest struct {
	Text             string  `json:"text"`
	Voice            string  `json:"voice"`
	Language         string  `json:"language"`
	Speed            float64 `json:"speed"`
	Pitch            float64 `json:"pitch"`
	Loudness         float64 `json:"loudness"`
	Emotion          string  `json:"emotion,omitempty"`
	EmotionIntensity float64 `json:"emotion_intensity,omitempty"`
	SampleRate       int     `json:"sample_rate"`
	Format           string  `json:"format"`
}

type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Final       bool   `json:"final"`
	Error       string `json:"error"`
}

func NewExecSynth(command string, sampleRate int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("synth command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate}, nil
}

func (e *execSynth) Name() string { return "exec" }

func (e *execSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.run(ctx, req.WithDefaults(), chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req Request, out chan<- Chunk) error {
	data, err := json.Marshal(execRequest{
		Text:             req.Text,
		Voice:            req.VoiceID,
		Language:         req.Language,
		Speed:            req.Speed,
		Pitch:            req.Pitch,
		Loudness:         req.Loudness,
		Emotion:          req.Emotion,
		EmotionIntensity: req.EmotionIntensity,
		SampleRate:       e.sampleRate,
		Format:           "mp3",
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start synth command: %w", err)
	}
	if _, err := stdin.Write(data); err != nil {
		_ = cmd.Wait()
		return err
	}
	stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	sequence := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return fmt.Errorf("decode synth output: %w", err)
		}
		if resp.Error != "" {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return fmt.Errorf("synth command: %s", resp.Error)
		}
		if resp.AudioBase64 != "" {
			audio, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
			if err != nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return fmt.Errorf("decode audio chunk %d: %w", sequence, err)
			}
			if !send(ctx, out, Chunk{Sequence: sequence, Audio: audio}) {
				_ = cmd.Wait()
				return ctx.Err()
			}
			sequence++
		}
		if resp.Final {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return err
	}
	return cmd.Wait()
}
