package ai

import (
	"context"
	"fmt"
	"strings"
)

// DocumentExtractor submits a whole document together with an instruction and
// returns the model's raw text answer.
// Gemini and OpenAI-compatible providers implement this interface.
type DocumentExtractor interface {
	ExtractDocument(ctx context.Context, instruction, mimeType string, data []byte) (string, error)
}

// UpstreamError carries a provider failure and the body it answered with.
type UpstreamError struct {
	Provider string
	Status   string
	Body     string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s api error: %s", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s api error: %s: %s", e.Provider, e.Status, e.Body)
}

// NewExtractor builds the extractor named by provider ("gemini" or "openai-compat").
func NewExtractor(provider, baseURL, apiKey, model string) (DocumentExtractor, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gemini":
		client, err := NewGeminiClient(apiKey)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(baseURL) != "" {
			client.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
		}
		return NewGeminiExtractor(client, model), nil
	case "openai-compat", "openai", "openrouter":
		if strings.TrimSpace(baseURL) == "" {
			return nil, fmt.Errorf("openai-compat base url required")
		}
		return NewOpenAICompatExtractor(baseURL, apiKey, model), nil
	default:
		return nil, fmt.Errorf("unknown extraction provider %q", provider)
	}
}
