package synth

import (
	"context"
	"errors"
	"fmt"
)

// Request defaults, applied to zero-valued fields.
const (
	DefaultVoice            = "zh_female_cancan_mars_bigtts"
	DefaultLanguage         = "zh"
	DefaultEmotionIntensity = 4.0
)

var ErrMissingCredentials = errors.New("synthesis credentials are not configured")

// Credentials authenticate against the upstream synthesis service. Empty
// fields fall back to the configured values.
type Credentials struct {
	AppID       string
	AccessToken string
	ResourceID  string
}

func (c Credentials) merge(fallback Credentials) Credentials {
	if c.AppID == "" {
		c.AppID = fallback.AppID
	}
	if c.AccessToken == "" {
		c.AccessToken = fallback.AccessToken
	}
	if c.ResourceID == "" {
		c.ResourceID = fallback.ResourceID
	}
	return c
}

func (c Credentials) complete() bool {
	return c.AppID != "" && c.AccessToken != "" && c.ResourceID != ""
}

// Request contains parameters to synthesize speech. Speed, Pitch and
// Loudness are multipliers around 1.0.
type Request struct {
	SessionID        string
	Text             string
	VoiceID          string
	Language         string
	Speed            float64
	Pitch            float64
	Loudness         float64
	Emotion          string
	EmotionIntensity float64
	Credentials      Credentials
}

// WithDefaults returns r with unset fields filled in.
func (r Request) WithDefaults() Request {
	if r.VoiceID == "" {
		r.VoiceID = DefaultVoice
	}
	if r.Language == "" {
		r.Language = DefaultLanguage
	}
	if r.Speed == 0 {
		r.Speed = 1
	}
	if r.Pitch == 0 {
		r.Pitch = 1
	}
	if r.Loudness == 0 {
		r.Loudness = 1
	}
	if r.EmotionIntensity == 0 {
		r.EmotionIntensity = DefaultEmotionIntensity
	}
	return r
}

// Chunk is a piece of encoded audio in arrival order.
type Chunk struct {
	Sequence int
	Audio    []byte
}

// Synthesizer is the contract for producing audio. The chunk channel closes
// when synthesis ends; at most one error is delivered.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}

// UpstreamError reports a failure returned by the synthesis service.
type UpstreamError struct {
	Status  int
	Code    int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("synthesis service returned HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("synthesis service error %d: %s", e.Code, e.Message)
}

func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
