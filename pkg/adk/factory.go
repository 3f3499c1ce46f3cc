package adk

import (
	"context"
	"fmt"
	"log/slog"
)

// NewSummarizer builds the digest writer for the configured provider.
// An empty provider or "none" disables digests and returns nil.
func NewSummarizer(ctx context.Context, providerName, apiKey, modelName string, logger *slog.Logger) (*Summarizer, error) {
	switch providerName {
	case "", "none":
		return nil, nil
	case "gemini":
		if apiKey == "" {
			return nil, fmt.Errorf("gemini digest requires an api key")
		}
		p, err := NewGeminiProvider(ctx, apiKey, modelName)
		if err != nil {
			return nil, err
		}
		return NewDigestSummarizer(p, logger), nil
	default:
		return nil, fmt.Errorf("unknown digest provider: %s", providerName)
	}
}
