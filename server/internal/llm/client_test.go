package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fixdad/server/internal/config"
)

// TestOpenAIClientSendsImageParts 验证带图片的消息被编码为 text + image_url 多段内容。
func TestOpenAIClientSendsImageParts(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer dummy" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"ok\":true}"}}]}`))
	}))
	defer ts.Close()

	client := NewOpenAIClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "dummy", Model: "gpt-4o-mini"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Complete(ctx, []Message{
		{Role: "system", Content: "classify"},
		{Role: "user", Content: "what is wrong?", Images: []Image{{MIME: "image/jpeg", Data: []byte{0xff, 0xd8}}}},
	}, &JSONSchema{Name: "analysis", Schema: map[string]any{"type": "object"}, Strict: true})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res != `{"ok":true}` {
		t.Fatalf("unexpected content %q", res)
	}

	msgs := got["messages"].([]any)
	if _, ok := msgs[0].(map[string]any)["content"].(string); !ok {
		t.Fatalf("expected plain string content for text-only message")
	}
	parts := msgs[1].(map[string]any)["content"].([]any)
	if len(parts) != 2 {
		t.Fatalf("expected text + image parts, got %d", len(parts))
	}
	url := parts[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	if !strings.HasPrefix(url, "data:image/jpeg;base64,") {
		t.Fatalf("unexpected image url %q", url)
	}
	if got["response_format"] == nil {
		t.Fatalf("expected response_format with schema")
	}
}

// TestOpenAIClientErrorStatus 验证非 200 响应返回错误。
func TestOpenAIClientErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer ts.Close()

	client := NewOpenAIClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "dummy"})
	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

// TestAnthropicClientImageBlocksAndSystem 验证 system 被拆出，图片编码为 base64 block，schema 写入 system。
func TestAnthropicClientImageBlocksAndSystem(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "dummy" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic headers")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"hello"}]}`))
	}))
	defer ts.Close()

	client := NewAnthropicClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "dummy", Model: "claude", MaxTokens: 100})
	res, err := client.Complete(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "look", Images: []Image{{MIME: "image/png", Data: []byte("png")}}},
	}, &JSONSchema{Name: "x", Schema: map[string]any{"type": "object"}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res != "hello" {
		t.Fatalf("unexpected content %q", res)
	}

	system, _ := got["system"].(string)
	if !strings.HasPrefix(system, "be brief") || !strings.Contains(system, "JSON schema") {
		t.Fatalf("unexpected system prompt %q", system)
	}
	msgs := got["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("expected system removed from messages, got %d", len(msgs))
	}
	blocks := msgs[0].(map[string]any)["content"].([]any)
	first := blocks[0].(map[string]any)
	if first["type"] != "image" {
		t.Fatalf("expected image block first, got %v", first["type"])
	}
	if first["source"].(map[string]any)["media_type"] != "image/png" {
		t.Fatalf("unexpected media type")
	}
}

// TestNewClientRequiresKey 验证缺少 API key 时工厂直接报错。
func TestNewClientRequiresKey(t *testing.T) {
	cfg := config.Default().LLM
	if _, err := NewClient(cfg); err == nil {
		t.Fatalf("expected error without api key")
	}
	cfg.OpenAI.APIKey = "k"
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, ok := c.(*OpenAIClient); !ok {
		t.Fatalf("expected openai client, got %T", c)
	}
}
