package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/apexline/apexline/internal/coach"
	"github.com/apexline/apexline/internal/monitoring"
)

var logf = monitoring.Prefixed("[llm]")

// remoteConfidenceFloor is the minimum confidence a successfully
// enriched message carries.
const remoteConfidenceFloor = 0.8

// Config tunes the enricher. Zero values use the defaults.
type Config struct {
	Model          string        // default gemini-2.0-flash
	TextTimeout    time.Duration // default 10s
	AudioTimeout   time.Duration // default 15s
	RatePerMinute  int           // default 5
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Model == "" {
		out.Model = "gemini-2.0-flash"
	}
	if out.TextTimeout <= 0 {
		out.TextTimeout = 10 * time.Second
	}
	if out.AudioTimeout <= 0 {
		out.AudioTimeout = 15 * time.Second
	}
	if out.RatePerMinute <= 0 {
		out.RatePerMinute = 5
	}
	return out
}

// generator is the slice of the genai client the enricher needs.
// Narrowed for tests.
type generator interface {
	generate(ctx context.Context, model, prompt string) (string, error)
}

type genaiGenerator struct {
	client *genai.Client
}

func (g *genaiGenerator) generate(ctx context.Context, model, prompt string) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	result, err := g.client.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return "", err
	}
	return result.Text(), nil
}

// Enricher rewrites high-value messages through the model. Disabled
// permanently for the session after an authentication failure.
type Enricher struct {
	cfg Config
	gen generator

	mu       sync.Mutex
	disabled bool
	recent   []time.Time
	stats    Stats
}

// Stats counts enrichment outcomes.
type Stats struct {
	Requests  int `json:"requests"`
	Enriched  int `json:"enriched"`
	Fallbacks int `json:"fallbacks"`
	RateHits  int `json:"rate_limited"`
}

// New creates an enricher backed by the Gemini API. An empty apiKey
// returns a disabled enricher rather than an error: coaching degrades
// to local messages.
func New(ctx context.Context, apiKey string, cfg Config) (*Enricher, error) {
	e := &Enricher{cfg: cfg.withDefaults()}
	if apiKey == "" {
		e.disabled = true
		logf("no API key, enrichment disabled")
		return e, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	e.gen = &genaiGenerator{client: client}
	return e, nil
}

// newWithGenerator is the test seam.
func newWithGenerator(gen generator, cfg Config) *Enricher {
	return &Enricher{cfg: cfg.withDefaults(), gen: gen}
}

// Enabled reports whether the enricher can currently take requests.
func (e *Enricher) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.disabled && e.gen != nil
}

// Stats returns a copy of the counters.
func (e *Enricher) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Enrich asks the model to rewrite msg using the structured payload. On
// any failure (disabled, rate limit, timeout, error, empty content) the
// original message is returned unchanged.
func (e *Enricher) Enrich(ctx context.Context, msg *coach.Message, payload *ContextPayload) *coach.Message {
	if msg == nil {
		return nil
	}
	if !e.admit() {
		return msg
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.TextTimeout)
	defer cancel()

	prompt, err := buildPrompt(msg, payload)
	if err != nil {
		e.fallback("payload marshal: %v", err)
		return msg
	}

	text, err := e.gen.generate(ctx, e.cfg.Model, prompt)
	if err != nil {
		if isAuthError(err) {
			e.disable(err)
		} else {
			e.fallback("generate: %v", err)
		}
		return msg
	}
	text = strings.TrimSpace(text)
	if text == "" {
		e.fallback("empty model response")
		return msg
	}

	enriched := *msg
	enriched.Content = text
	enriched.Source = coach.SourceRemote
	if enriched.Confidence < remoteConfidenceFloor {
		enriched.Confidence = remoteConfidenceFloor
	}
	e.mu.Lock()
	e.stats.Enriched++
	e.mu.Unlock()
	return &enriched
}

// admit applies the disabled flag and the sliding-window rate limit.
func (e *Enricher) admit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disabled || e.gen == nil {
		return false
	}
	now := time.Now()
	cutoff := now.Add(-time.Minute)
	kept := e.recent[:0]
	for _, t := range e.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.recent = kept
	if len(e.recent) >= e.cfg.RatePerMinute {
		e.stats.RateHits++
		e.stats.Fallbacks++
		return false
	}
	e.recent = append(e.recent, now)
	e.stats.Requests++
	return true
}

func (e *Enricher) fallback(format string, args ...any) {
	e.mu.Lock()
	e.stats.Fallbacks++
	e.mu.Unlock()
	logf("fallback: "+format, args...)
}

func (e *Enricher) disable(err error) {
	e.mu.Lock()
	e.disabled = true
	e.stats.Fallbacks++
	e.mu.Unlock()
	logf("auth failure, enrichment disabled for this session: %v", err)
}

// isAuthError spots credential problems worth giving up over; transient
// errors keep the enricher alive for the next attempt.
func isAuthError(err error) bool {
	s := err.Error()
	return strings.Contains(s, "401") || strings.Contains(s, "403") ||
		strings.Contains(s, "API key") || strings.Contains(s, "PERMISSION_DENIED") ||
		strings.Contains(s, "UNAUTHENTICATED")
}

func buildPrompt(msg *coach.Message, payload *ContextPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("You are a professional race engineer speaking to your driver over the radio.\n")
	b.WriteString("Rewrite the draft coaching message below into one short, specific spoken sentence.\n")
	b.WriteString("Use the telemetry context. Do not invent numbers that are not in the context.\n\n")
	fmt.Fprintf(&b, "Draft (%s, priority %s): %s\n\n", msg.Category, msg.Priority, msg.Content)
	b.WriteString("Context JSON:\n")
	b.Write(body)
	return b.String(), nil
}
