package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOpenAICompatExtractorSendsDataURL(t *testing.T) {
	var got oaiChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Fatalf("authorization = %q, want Bearer secret", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":" [] "}}]}`))
	}))
	defer srv.Close()

	ex := NewOpenAICompatExtractor(srv.URL+"/v1/", "secret", "google/gemini-2.5-flash")
	text, err := ex.ExtractDocument(context.Background(), "split it", "application/pdf", []byte("%PDF"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "[]" {
		t.Fatalf("text = %q, want []", text)
	}
	if got.Model != "google/gemini-2.5-flash" || got.Temperature != extractionTemperature {
		t.Fatalf("request = %+v", got)
	}
	if len(got.Messages) != 1 || len(got.Messages[0].Content) != 2 {
		t.Fatalf("messages = %+v", got.Messages)
	}
	doc := got.Messages[0].Content[1]
	if doc.Type != "image_url" || doc.ImageURL == nil || doc.ImageURL.URL != "data:application/pdf;base64,JVBERg==" {
		t.Fatalf("document part = %+v", doc)
	}
}

func TestOpenAICompatExtractorUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"message":"out of credits"}}`))
	}))
	defer srv.Close()

	ex := NewOpenAICompatExtractor(srv.URL, "", "m")
	_, err := ex.ExtractDocument(context.Background(), "x", "application/pdf", []byte("x"))
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if upstream.Body != "out of credits" {
		t.Fatalf("body = %q, want out of credits", upstream.Body)
	}
}

func TestGeminiExtractorSendsInlineData(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.5-flash:generateContent") {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if r.URL.RawQuery != "" {
			t.Fatalf("query = %q, want none", r.URL.RawQuery)
		}
		if r.Header.Get("x-goog-api-key") != "k" {
			t.Fatalf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"[{\"chapter_number\":1"},{"text":"}]"}]}}]}`))
	}))
	defer srv.Close()

	ex, err := NewExtractor("gemini", srv.URL, "k", "models/gemini-2.5-flash")
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	text, err := ex.ExtractDocument(context.Background(), "split it", "application/pdf", []byte("%PDF"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != `[{"chapter_number":1}]` {
		t.Fatalf("text = %q", text)
	}
	parts := got.Contents[0].Parts
	if len(parts) != 2 || parts[1].InlineData == nil || parts[1].InlineData.Data != "JVBERg==" {
		t.Fatalf("parts = %+v", parts)
	}
}

func TestGeminiTimeoutDoesNotLeakAPIKey(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ex, err := NewExtractor("gemini", srv.URL, "SECRET-API-KEY", "gemini-2.5-flash")
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ex.ExtractDocument(ctx, "split it", "application/pdf", []byte("%PDF"))
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if strings.Contains(err.Error(), "SECRET-API-KEY") {
		t.Fatalf("error leaks api key: %v", err)
	}
}

func TestExtractorsReturnEmptyReplyWithoutError(t *testing.T) {
	cases := []struct {
		name     string
		provider string
		body     string
	}{
		{name: "openai-compat blank content", provider: "openai-compat", body: `{"choices":[{"message":{"content":"  "}}]}`},
		{name: "gemini no parts", provider: "gemini", body: `{"candidates":[{"content":{"parts":[]}}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			ex, err := NewExtractor(tc.provider, srv.URL, "k", "m")
			if err != nil {
				t.Fatalf("new extractor: %v", err)
			}
			text, err := ex.ExtractDocument(context.Background(), "x", "application/pdf", []byte("x"))
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			if strings.TrimSpace(text) != "" {
				t.Fatalf("text = %q, want empty", text)
			}
		})
	}
}

func TestNewExtractorRejectsUnknownProvider(t *testing.T) {
	if _, err := NewExtractor("ollama", "", "", ""); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
	if _, err := NewExtractor("openai-compat", "", "", "m"); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}
