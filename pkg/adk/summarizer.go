// Package adk writes short natural-language digests of published batches
// with a generative model.
package adk

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/user/scanrelay/pkg/engine"
)

// Generator produces text for a prompt
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Summarizer turns a batch into a one-paragraph digest
type Summarizer struct {
	gen      Generator
	Timeout  time.Duration
	MaxChars int
	logger   *slog.Logger
}

// NewDigestSummarizer wraps a generator
func NewDigestSummarizer(gen Generator, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{gen: gen, Timeout: 20 * time.Second, MaxChars: 1200, logger: logger}
}

// Summarize returns the digest for b. A nil summarizer returns an empty digest.
func (s *Summarizer) Summarize(ctx context.Context, b engine.Batch) (string, error) {
	if s == nil || s.gen == nil {
		return "", nil
	}
	prompt, err := Prompt(b)
	if err != nil {
		return "", err
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	start := time.Now()
	out, err := s.gen.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate digest for batch %d: %w", b.Number, err)
	}
	s.logger.Debug("generated batch digest", "batch", b.Number, "elapsed", time.Since(start))
	return clip(strings.TrimSpace(out), s.MaxChars), nil
}

// Prompt renders the digest prompt for a batch
func Prompt(b engine.Batch) (string, error) {
	var buf bytes.Buffer
	if err := digestTemplate.Execute(&buf, b); err != nil {
		return "", fmt.Errorf("render digest prompt: %w", err)
	}
	return buf.String(), nil
}

func clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := strings.LastIndex(s[:max], " ")
	if cut <= 0 {
		cut = max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return s[:cut] + "..."
}
