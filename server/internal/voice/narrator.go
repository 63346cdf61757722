package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"fixdad/server/internal/config"
)

// Narrator 把一段文本合成为音频。
type Narrator interface {
	Speak(ctx context.Context, text string) ([]byte, error)
	// Format 返回音频格式（mp3/wav/...），随音频一起推给客户端。
	Format() string
}

// speechRequest 是 /v1/audio/speech 的请求体。
type speechRequest struct {
	Model          string `json:"model"`
	Voice          string `json:"voice"`
	Input          string `json:"input"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// OpenAINarrator 调用 OpenAI 的语音合成接口。
// API Key 只在服务端使用，客户端拿到的是合成好的音频。
type OpenAINarrator struct {
	HTTPClient *http.Client
	APIKey     string
	BaseURL    string // 默认 https://api.openai.com
	Model      string
	Voice      string
	AudioFmt   string
}

// NewOpenAINarrator 按配置创建 narrator。
func NewOpenAINarrator(cfg config.VoiceConfig) *OpenAINarrator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OpenAINarrator{
		HTTPClient: &http.Client{Timeout: timeout},
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		Voice:      cfg.Voice,
		AudioFmt:   cfg.Format,
	}
}

func (n *OpenAINarrator) Format() string {
	if n.AudioFmt == "" {
		return "mp3"
	}
	return n.AudioFmt
}

func (n *OpenAINarrator) Speak(ctx context.Context, text string) ([]byte, error) {
	if n.APIKey == "" {
		return nil, errors.New("voice api key is empty")
	}
	baseURL := n.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	httpClient := n.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	body, err := json.Marshal(speechRequest{
		Model:          n.Model,
		Voice:          n.Voice,
		Input:          text,
		ResponseFormat: n.Format(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+n.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 只读少量错误信息。
		limited, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai audio speech: status=%d body=%s", resp.StatusCode, string(limited))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("openai returned empty audio")
	}
	return audio, nil
}
