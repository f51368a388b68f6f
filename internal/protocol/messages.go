package protocol

import "time"

// SynthesisStatus is broadcast on the bus as a synthesis request progresses.
type SynthesisStatus struct {
	SessionID string    `json:"session_id"`
	VoiceID   string    `json:"voice_id"`
	Language  string    `json:"language"`
	Backend   string    `json:"backend"`
	State     string    `json:"state"`
	Bytes     int64     `json:"bytes,omitempty"`
	FirstMS   int64     `json:"first_chunk_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SynthesisRequest asks the bus synthesis service for audio. Replies go to
// the message's reply subject, or to SubjectSynthesisAudio.<session_id>.
type SynthesisRequest struct {
	SessionID        string  `json:"session_id"`
	Text             string  `json:"text"`
	VoiceID          string  `json:"voice_id"`
	Language         string  `json:"language"`
	Speed            float64 `json:"speed,omitempty"`
	Pitch            float64 `json:"pitch,omitempty"`
	Loudness         float64 `json:"loudness,omitempty"`
	Emotion          string  `json:"emotion,omitempty"`
	EmotionIntensity float64 `json:"emotion_intensity,omitempty"`
}

// AudioChunk carries encoded mp3 bytes for a bus synthesis request. The last
// chunk of a session has Final set; a failed session ends with Error set.
type AudioChunk struct {
	SessionID string `json:"session_id"`
	Sequence  int    `json:"sequence"`
	Audio     []byte `json:"audio,omitempty"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

const (
	SubjectSynthesisStarted   = "tts.synthesis.started"
	SubjectSynthesisCompleted = "tts.synthesis.completed"
	SubjectSynthesisFailed    = "tts.synthesis.failed"
	SubjectSynthesisRequest   = "tts.request"
	SubjectSynthesisAudio     = "tts.audio"
)
