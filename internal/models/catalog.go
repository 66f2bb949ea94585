// Package models describes the available transcription backends and manages
// the lifecycle of the on-device model: discovery, download, prewarm, load.
package models

import (
	"fmt"
	"sort"
)

// Kind distinguishes how a backend is reached.
type Kind int

const (
	KindLocal         Kind = iota // on-device neural model
	KindCloudBatch                // one-shot HTTP upload
	KindCloudRealtime             // WebSocket realtime session
	KindCloudChunked              // periodic HTTP posts of buffered PCM
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindCloudBatch:
		return "cloud-batch"
	case KindCloudRealtime:
		return "cloud-realtime"
	case KindCloudChunked:
		return "cloud-chunked"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DeltaPolicy selects how a streaming backend's transcript events combine.
type DeltaPolicy int

const (
	// DeltaAppend backends send fragments that extend the transcript.
	DeltaAppend DeltaPolicy = iota
	// DeltaReplace backends resend the whole transcript so far.
	DeltaReplace
)

// Capabilities are the routing-relevant properties of a backend.
type Capabilities struct {
	Streaming       bool
	LanguageHint    bool
	MaxPayloadBytes int64
	CostPerMinute   float64 // USD
}

// Backend identifies one concrete model on one provider.
type Backend struct {
	Kind     Kind
	Provider string
	ModelID  string
	Caps     Capabilities
	Delta    DeltaPolicy
}

func (b Backend) String() string {
	return b.Provider + "/" + b.ModelID
}

// IsLocal reports whether the backend runs on-device.
func (b Backend) IsLocal() bool { return b.Kind == KindLocal }

// ModelFile is one artifact a local model needs on disk.
type ModelFile struct {
	Name string
	URL  string
}

// Entry is a catalog record.
type Entry struct {
	Backend     Backend
	DisplayName string
	// RemoteModel is the provider's model name when it differs from the
	// catalog id.
	RemoteModel string
	// ResponseFormat is the batch response_format; empty means "json".
	ResponseFormat string
	// Local models only.
	Files         []ModelFile
	FixedLanguage string
}

// ID returns the catalog key.
func (e Entry) ID() string { return e.Backend.ModelID }

// Remote returns the model name sent to the provider.
func (e Entry) Remote() string {
	if e.RemoteModel != "" {
		return e.RemoteModel
	}
	return e.Backend.ModelID
}

// Catalog is a read-only model id to Entry mapping.
type Catalog struct {
	entries map[string]Entry
}

// NewCatalog builds a catalog from entries; later duplicates win.
func NewCatalog(entries ...Entry) *Catalog {
	c := &Catalog{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		c.entries[e.ID()] = e
	}
	return c
}

// Lookup returns the entry for id.
func (c *Catalog) Lookup(id string) (Entry, bool) {
	e, ok := c.entries[id]
	return e, ok
}

// Local returns the first local entry by id, if any.
func (c *Catalog) Local() (Entry, bool) {
	for _, e := range c.List() {
		if e.Backend.IsLocal() {
			return e, true
		}
	}
	return Entry{}, false
}

// List returns all entries sorted by id.
func (c *Catalog) List() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

const openAIMaxPayload = 25 << 20

// DefaultCatalog returns the built-in backends.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Entry{
			Backend: Backend{
				Kind: KindLocal, Provider: "local", ModelID: "whisper-base-en",
				Caps: Capabilities{LanguageHint: false},
			},
			DisplayName: "Whisper base.en (on-device)",
			Files: []ModelFile{
				{Name: "ggml-base.en.bin", URL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.en.bin"},
			},
			FixedLanguage: "en",
		},
		Entry{
			Backend: Backend{
				Kind: KindCloudBatch, Provider: "openai", ModelID: "whisper-1",
				Caps: Capabilities{LanguageHint: true, MaxPayloadBytes: openAIMaxPayload, CostPerMinute: 0.006},
			},
			DisplayName:    "OpenAI Whisper",
			ResponseFormat: "verbose_json",
		},
		Entry{
			Backend: Backend{
				Kind: KindCloudBatch, Provider: "openai", ModelID: "gpt-4o-transcribe",
				Caps: Capabilities{LanguageHint: true, MaxPayloadBytes: openAIMaxPayload, CostPerMinute: 0.006},
			},
			DisplayName: "GPT-4o Transcribe",
		},
		Entry{
			Backend: Backend{
				Kind: KindCloudBatch, Provider: "openai", ModelID: "gpt-4o-mini-transcribe",
				Caps: Capabilities{LanguageHint: true, MaxPayloadBytes: openAIMaxPayload, CostPerMinute: 0.003},
			},
			DisplayName: "GPT-4o mini Transcribe",
		},
		Entry{
			Backend: Backend{
				Kind: KindCloudBatch, Provider: "groq", ModelID: "whisper-large-v3",
				Caps: Capabilities{LanguageHint: true, MaxPayloadBytes: openAIMaxPayload, CostPerMinute: 0.00185},
			},
			DisplayName:    "Groq Whisper large-v3",
			ResponseFormat: "verbose_json",
		},
		Entry{
			Backend: Backend{
				Kind: KindCloudRealtime, Provider: "openai", ModelID: "gpt-4o-realtime",
				Caps:  Capabilities{Streaming: true, LanguageHint: true, CostPerMinute: 0.006},
				Delta: DeltaAppend,
			},
			DisplayName: "GPT-4o Realtime",
			RemoteModel: "gpt-4o-transcribe",
		},
		Entry{
			Backend: Backend{
				Kind: KindCloudChunked, Provider: "fireworks", ModelID: "fireworks-streaming",
				Caps:  Capabilities{Streaming: true, LanguageHint: true, MaxPayloadBytes: openAIMaxPayload, CostPerMinute: 0.0032},
				Delta: DeltaReplace,
			},
			DisplayName: "Fireworks streaming",
			RemoteModel: "whisper-v3-turbo",
		},
	)
}
