package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"fixdad/server/internal/config"
)

// 场景：正常合成，验证请求路径、鉴权头和请求体，返回原始音频字节。
func TestOpenAINarratorSpeak(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Fatalf("unexpected auth header %q", got)
		}
		var req speechRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Input != "Shut off the valve" || req.Voice != "alloy" || req.ResponseFormat != "mp3" {
			t.Fatalf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-audio"))
	}))
	defer srv.Close()

	n := NewOpenAINarrator(config.VoiceConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o-mini-tts", Voice: "alloy", Format: "mp3"})
	audio, err := n.Speak(context.Background(), "Shut off the valve")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if string(audio) != "ID3-audio" {
		t.Fatalf("unexpected audio %q", audio)
	}
}

// 场景：上游返回非 2xx，错误里带状态码。
func TestOpenAINarratorErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := NewOpenAINarrator(config.VoiceConfig{APIKey: "sk-test", BaseURL: srv.URL})
	if _, err := n.Speak(context.Background(), "hi"); err == nil {
		t.Fatalf("expected error on 429")
	}
}

// 场景：没有 key 时直接失败，不发请求。
func TestOpenAINarratorRequiresKey(t *testing.T) {
	n := NewOpenAINarrator(config.VoiceConfig{})
	if _, err := n.Speak(context.Background(), "hi"); err == nil {
		t.Fatalf("expected error without api key")
	}
}
