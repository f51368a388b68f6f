package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-studio/internal/audio"
	"github.com/loqalabs/loqa-studio/internal/audio/device"
	"github.com/loqalabs/loqa-studio/internal/config"
	"github.com/loqalabs/loqa-studio/internal/stream"
	"github.com/loqalabs/loqa-studio/internal/studio"
	"github.com/loqalabs/loqa-studio/internal/transport"
	"github.com/loqalabs/loqa-studio/internal/voices"
	"golang.org/x/sync/errgroup"
)

const usage = `commands: p (play/pause), s <seconds> (seek), q (quit), any other line speaks it`

type options struct {
	configPath string
	serverURL  string
	output     string
	listVoices bool
	verbose    bool
	request    studio.Request
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&o.serverURL, "server", "", "Studio server URL (overrides player.server_url)")
	flag.StringVar(&o.output, "output", "", "Audio output: device or null (overrides player.output)")
	flag.BoolVar(&o.listVoices, "list-voices", false, "List the server's voices and exit")
	flag.BoolVar(&o.verbose, "v", false, "Log debug output to stderr")
	flag.StringVar(&o.request.Text, "text", "", "Text to speak on start")
	flag.StringVar(&o.request.VoiceID, "voice", "", "Voice id (defaults to the first voice of the language)")
	flag.StringVar(&o.request.Language, "lang", "zh", "Language: zh, en, ja or es")
	flag.Float64Var(&o.request.Speed, "speed", 1.0, "Speech rate multiplier")
	flag.Float64Var(&o.request.Pitch, "pitch", 1.0, "Pitch multiplier")
	flag.Float64Var(&o.request.Loudness, "loudness", 1.0, "Loudness multiplier")
	flag.StringVar(&o.request.Emotion, "emotion", "", "Emotion for emotion-capable voices")
	flag.Float64Var(&o.request.EmotionIntensity, "emotion-intensity", 4.0, "Emotion intensity")
	flag.StringVar(&o.request.AppID, "app-id", "", "Synthesis app id override")
	flag.StringVar(&o.request.AccessToken, "access-token", "", "Synthesis access token override")
	flag.StringVar(&o.request.ResourceID, "resource-id", "", "Synthesis resource id override")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	level := slog.LevelError
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "\nerror:", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr)
}

func run(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger) error {
	if opts.serverURL != "" {
		cfg.Player.ServerURL = opts.serverURL
	}
	if opts.output != "" {
		cfg.Player.Output = opts.output
	}

	var out audio.Output
	switch cfg.Player.Output {
	case "device":
		out = &device.PortAudioOutput{}
	case "null":
		out = &audio.NullOutput{}
	default:
		return fmt.Errorf("unknown output %q", cfg.Player.Output)
	}

	el := audio.NewElement(out, logger)
	defer el.Close()
	ctrl := transport.NewController(el, logger)
	el.Listen(ctrl.Handle)

	client := studio.NewClient(cfg.Player.ServerURL, nil, el, ctrl, studio.Options{
		Ingest: stream.IngestOptions{
			ReadSize:   cfg.Player.ReadSizeBytes,
			MaxBacklog: cfg.Player.MaxBacklogChunks,
		},
		PollInterval: time.Duration(cfg.Player.PollIntervalMS) * time.Millisecond,
		AutoPlay:     true,
	}, logger)

	catalog, err := client.Voices(ctx)
	if err != nil {
		return err
	}
	if opts.listVoices {
		printVoices(os.Stdout, catalog)
		return nil
	}
	req, err := resolveVoice(opts.request, catalog)
	if err != nil {
		return err
	}

	p := newProgress(os.Stderr)
	unobserve := ctrl.Observe(p.playback)
	defer unobserve()
	client.OnState(p.request)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var pending sync.WaitGroup
	speak := func(text string) {
		r := req
		r.Text = text
		pending.Add(1)
		g.Go(func() error {
			defer pending.Done()
			// Failures are shown on the progress line; only a quit ends the run.
			_ = client.Generate(ctx, r)
			return nil
		})
	}
	if strings.TrimSpace(req.Text) != "" {
		speak(req.Text)
	}

	fmt.Fprintln(os.Stderr, usage)
	lines := readLines(os.Stdin)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case line, ok := <-lines:
				if !ok {
					pending.Wait()
					waitIdle(ctx, client, ctrl)
					cancel()
					return nil
				}
				if quit := handleCommand(line, ctrl, speak, p); quit {
					client.Stop()
					cancel()
					return nil
				}
			}
		}
	})
	return g.Wait()
}

// handleCommand applies one stdin line and reports whether it asked to quit.
func handleCommand(line string, ctrl *transport.Controller, speak func(string), p *progress) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "q":
		return true
	case line == "p":
		ctrl.Toggle()
	case strings.HasPrefix(line, "s "):
		sec, err := strconv.ParseFloat(strings.TrimSpace(line[2:]), 64)
		if err != nil {
			p.note("bad seek target")
			return false
		}
		ctrl.Seek(sec)
	default:
		speak(line)
	}
	return false
}

func resolveVoice(r studio.Request, catalog []voices.Voice) (studio.Request, error) {
	if r.VoiceID != "" {
		for _, v := range catalog {
			if v.ID == r.VoiceID && v.Lang == r.Language {
				return r, nil
			}
		}
		return r, fmt.Errorf("voice %s is not available for language %s", r.VoiceID, r.Language)
	}
	for _, v := range catalog {
		if v.Lang == r.Language {
			r.VoiceID = v.ID
			return r, nil
		}
	}
	return r, fmt.Errorf("no voices for language %s", r.Language)
}

func printVoices(w io.Writer, list []voices.Voice) {
	byLang := map[string][]voices.Voice{}
	for _, v := range list {
		byLang[v.Lang] = append(byLang[v.Lang], v)
	}
	langs := make([]string, 0, len(byLang))
	for lang := range byLang {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	for _, lang := range langs {
		fmt.Fprintf(w, "%s (%d)\n", lang, len(byLang[lang]))
		for _, v := range byLang[lang] {
			fmt.Fprintf(w, "  %-40s %-8s %s\n", v.ID, v.Gender, v.Name)
		}
	}
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

// waitIdle blocks until nothing is loading or playing.
func waitIdle(ctx context.Context, client *studio.Client, ctrl *transport.Controller) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !client.State().Loading && !ctrl.State().IsPlaying {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// progress renders a single status line.
type progress struct {
	w  io.Writer
	mu sync.Mutex

	state transport.PlaybackState
	req   studio.State
	msg   string
}

func newProgress(w io.Writer) *progress {
	return &progress{w: w}
}

func (p *progress) playback(s transport.PlaybackState) {
	p.mu.Lock()
	p.state = s
	p.renderLocked()
	p.mu.Unlock()
}

func (p *progress) request(s studio.State) {
	p.mu.Lock()
	p.req = s
	p.msg = ""
	p.renderLocked()
	p.mu.Unlock()
}

func (p *progress) note(msg string) {
	p.mu.Lock()
	p.msg = msg
	p.renderLocked()
	p.mu.Unlock()
}

func (p *progress) renderLocked() {
	status := "paused"
	if p.state.IsPlaying {
		status = "playing"
	}
	line := fmt.Sprintf("%-7s %s", status, p.state.String())
	switch {
	case p.req.Err != nil:
		line += "  error: " + p.req.Err.Error()
	case p.req.Loading:
		line += "  loading"
	}
	if p.msg != "" {
		line += "  " + p.msg
	}
	fmt.Fprintf(p.w, "\r\033[K%s", line)
}
