package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fixdad/server/internal/config"
)

// Client LLM 客户端接口
type Client interface {
	// Complete 完成生成任务；messages 可以携带图片
	Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error)
}

// Message 消息结构
type Message struct {
	Role    string  `json:"role"` // "system", "user", "assistant"
	Content string  `json:"content"`
	Images  []Image `json:"-"`
}

// Image 是随消息发送的一张图片
type Image struct {
	MIME string
	Data []byte
}

// JSONSchema JSON Schema 定义（用于结构化输出）
type JSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

// NewClient 按 provider 创建 LLM 客户端
func NewClient(cfg config.LLMConfig) (Client, error) {
	active := cfg.Active()
	if active.APIKey == "" {
		return nil, fmt.Errorf("llm provider %s: api key is required (set LLM_API_KEY)", cfg.Provider)
	}
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg.OpenAI), nil
	case "anthropic":
		return NewAnthropicClient(cfg.Anthropic), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func dataURL(img Image) string {
	mime := img.MIME
	if mime == "" {
		mime = http.DetectContentType(img.Data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// OpenAIClient OpenAI 客户端
type OpenAIClient struct {
	config     config.LLMProviderConfig
	httpClient *http.Client
}

// NewOpenAIClient 创建 OpenAI 客户端
func NewOpenAIClient(cfg config.LLMProviderConfig) *OpenAIClient {
	return &OpenAIClient{
		config:     cfg,
		httpClient: newHTTPClient(cfg.Timeout),
	}
}

// Complete 完成生成（OpenAI Chat Completions）
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	wire := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		if len(msg.Images) == 0 {
			wire = append(wire, map[string]any{"role": msg.Role, "content": msg.Content})
			continue
		}
		// 带图片的消息使用多段 content
		parts := []map[string]any{{"type": "text", "text": msg.Content}}
		for _, img := range msg.Images {
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": dataURL(img)},
			})
		}
		wire = append(wire, map[string]any{"role": msg.Role, "content": parts})
	}

	reqBody := map[string]any{
		"model":                 c.config.Model,
		"messages":              wire,
		"temperature":           c.config.Temperature,
		"max_completion_tokens": c.config.MaxTokens,
	}

	// gpt-5 / o1 系列会把 token 预算消耗在 reasoning 上，content 可能为空。
	if isOpenAIReasoningModel(c.config.Model) {
		reqBody["reasoning_effort"] = "low"
		delete(reqBody, "temperature")
	}

	if schema != nil {
		reqBody["response_format"] = map[string]any{
			"type":        "json_schema",
			"json_schema": schema,
		}
	}

	respBody, err := c.post(ctx, "/chat/completions", reqBody, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	content := result.Choices[0].Message.Content
	if content == "" {
		return "", errors.New("empty content in response")
	}
	return content, nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, body any, auth func(*http.Request)) ([]byte, error) {
	return doJSON(ctx, c.httpClient, c.config.APIURL+path, body, auth)
}

func isOpenAIReasoningModel(model string) bool {
	return strings.HasPrefix(model, "gpt-5") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3")
}

// AnthropicClient Anthropic 客户端
type AnthropicClient struct {
	config     config.LLMProviderConfig
	httpClient *http.Client
}

// NewAnthropicClient 创建 Anthropic 客户端
func NewAnthropicClient(cfg config.LLMProviderConfig) *AnthropicClient {
	return &AnthropicClient{
		config:     cfg,
		httpClient: newHTTPClient(cfg.Timeout),
	}
}

// Complete 完成生成（Anthropic Messages）
func (c *AnthropicClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	// Anthropic 需要分离 system message
	var systemMsg string
	var wire []map[string]any

	for _, msg := range messages {
		if msg.Role == "system" {
			systemMsg = msg.Content
			continue
		}
		if len(msg.Images) == 0 {
			wire = append(wire, map[string]any{"role": msg.Role, "content": msg.Content})
			continue
		}
		blocks := make([]map[string]any, 0, len(msg.Images)+1)
		for _, img := range msg.Images {
			mime := img.MIME
			if mime == "" {
				mime = http.DetectContentType(img.Data)
			}
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": mime,
					"data":       base64.StdEncoding.EncodeToString(img.Data),
				},
			})
		}
		blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
		wire = append(wire, map[string]any{"role": msg.Role, "content": blocks})
	}

	// 没有原生 json_schema，退化为提示词约束。
	if schema != nil {
		hint, err := json.Marshal(schema.Schema)
		if err != nil {
			return "", fmt.Errorf("marshal schema: %w", err)
		}
		systemMsg = strings.TrimSpace(systemMsg + "\n\nRespond with a single JSON object matching this JSON schema, no prose:\n" + string(hint))
	}

	reqBody := map[string]any{
		"model":       c.config.Model,
		"messages":    wire,
		"max_tokens":  c.config.MaxTokens,
		"temperature": c.config.Temperature,
	}
	if systemMsg != "" {
		reqBody["system"] = systemMsg
	}

	respBody, err := doJSON(ctx, c.httpClient, c.config.APIURL+"/messages", reqBody, func(req *http.Request) {
		req.Header.Set("x-api-key", c.config.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
			Type string `json:"type"`
		} `json:"content"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	for _, block := range result.Content {
		if block.Type == "text" || block.Type == "" {
			if block.Text != "" {
				return block.Text, nil
			}
		}
	}
	return "", errors.New("no text content in response")
}

// doJSON 发送 JSON POST 并返回 200 响应体；非 200 时只截取少量 body 放进错误。
func doJSON(ctx context.Context, hc *http.Client, url string, body any, auth func(*http.Request)) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	auth(req)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(respBody) > 4096 {
			respBody = respBody[:4096]
		}
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
