// Package transcribe provides the speech-to-text backends.
//
// Supported backends:
//   - batch: OpenAI-compatible multipart upload (OpenAI, Groq, Fireworks)
//   - local: on-device whisper.cpp via the models lifecycle manager
package transcribe

import "strings"

// Mode selects transcription or translation.
type Mode int

const (
	ModeTranscribe Mode = iota
	ModeTranslate
)

func (m Mode) String() string {
	if m == ModeTranslate {
		return "translate"
	}
	return "transcribe"
}

// LanguageAuto asks the backend to detect the spoken language.
const LanguageAuto = "auto"

// Request is a single transcription job. It is not modified after submission.
type Request struct {
	Audio    []byte
	Language string // language code, LanguageAuto, or "" for none
	Mode     Mode
	Prompt   string
	ModelID  string // requested backend
	// TargetLanguage is the output language for ModeTranslate; empty means
	// the backend's pivot language (English).
	TargetLanguage string
	// Live marks a realtime microphone session rather than a file.
	Live bool
}

// IsAuto reports whether the caller asked for language detection.
func (r Request) IsAuto() bool {
	return strings.EqualFold(r.Language, LanguageAuto)
}

// ExplicitLanguage returns the requested language code, or "" when the
// language is auto or unset.
func (r Request) ExplicitLanguage() string {
	if r.IsAuto() {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(r.Language))
}

// Segment is a timed piece of a transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the outcome of a batch request or a finished streaming session.
type Result struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
	Language string    `json:"language,omitempty"`
	Duration float64   `json:"duration"` // seconds of audio
	Backend  string    `json:"backend"`
}
