package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Voice   VoiceConfig   `yaml:"voice"`
	Intake  IntakeConfig  `yaml:"intake"`
	Guide   GuideConfig   `yaml:"guide"`
	Store   StoreConfig   `yaml:"store"`
	RAG     RAGConfig     `yaml:"rag"`
	Gateway GatewayConfig `yaml:"gateway"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Mode        string        `yaml:"mode"` // gin: debug | release | test
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// MaxImageBytes 限制单帧上传大小。
	MaxImageBytes int64 `yaml:"max_image_bytes"`
}

// Addr 返回监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig 视觉分类与 RAG 生成共用的模型配置
type LLMConfig struct {
	Provider  string            `yaml:"provider"` // "openai" or "anthropic"
	OpenAI    LLMProviderConfig `yaml:"openai"`
	Anthropic LLMProviderConfig `yaml:"anthropic"`
}

// Active 返回当前 provider 的配置。
func (l LLMConfig) Active() LLMProviderConfig {
	if l.Provider == "anthropic" {
		return l.Anthropic
	}
	return l.OpenAI
}

// LLMProviderConfig LLM 提供商配置
type LLMProviderConfig struct {
	APIKey      string        `yaml:"api_key"`
	APIURL      string        `yaml:"api_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// VoiceConfig 语音播报（TTS）配置
type VoiceConfig struct {
	Enabled bool          `yaml:"enabled"`
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Voice   string        `yaml:"voice"`
	Format  string        `yaml:"format"`
	Timeout time.Duration `yaml:"timeout"`
}

// IntakeConfig 帧提交准入策略
type IntakeConfig struct {
	MinGap              time.Duration `yaml:"min_gap"`
	TranscriptStaleness time.Duration `yaml:"transcript_staleness"`
	ClassifyTimeout     time.Duration `yaml:"classify_timeout"`
	DedupFrames         bool          `yaml:"dedup_frames"`
}

type GuideConfig struct {
	RetryCeiling int `yaml:"retry_ceiling"`
	// CatalogPath 为空时使用内置计划目录。
	CatalogPath string `yaml:"catalog_path"`
}

type StoreConfig struct {
	Backend           string        `yaml:"backend"` // memory | redis
	RedisURL          string        `yaml:"redis_url"`
	TTL               time.Duration `yaml:"ttl"`
	HistoryLimit      int           `yaml:"history_limit"`
	TimelineMaxEvents int           `yaml:"timeline_max_events"`
}

type RAGConfig struct {
	IndexPath    string `yaml:"index_path"`
	DocsDir      string `yaml:"docs_dir"`
	TopK         int    `yaml:"top_k"`
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	ExcerptChars int    `yaml:"excerpt_chars"`
}

type GatewayConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	QueueSize    int           `yaml:"queue_size"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console | json
	Output     string `yaml:"output"` // 日志文件路径，为空只输出到控制台
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default 返回全部可调参数的默认值，配置文件只需要覆盖差异项。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			Mode:          "release",
			ReadTimeout:   30 * time.Second,
			MaxImageBytes: 8 << 20,
		},
		LLM: LLMConfig{
			Provider: "openai",
			OpenAI: LLMProviderConfig{
				APIURL:      "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.2,
				MaxTokens:   1200,
				Timeout:     30 * time.Second,
			},
			Anthropic: LLMProviderConfig{
				APIURL:      "https://api.anthropic.com/v1",
				Model:       "claude-3-5-sonnet-latest",
				Temperature: 0.2,
				MaxTokens:   1200,
				Timeout:     30 * time.Second,
			},
		},
		Voice: VoiceConfig{
			BaseURL: "https://api.openai.com",
			Model:   "gpt-4o-mini-tts",
			Voice:   "alloy",
			Format:  "mp3",
			Timeout: 15 * time.Second,
		},
		Intake: IntakeConfig{
			MinGap:              2 * time.Second,
			TranscriptStaleness: 8 * time.Second,
			ClassifyTimeout:     20 * time.Second,
			DedupFrames:         true,
		},
		Guide: GuideConfig{RetryCeiling: 3},
		Store: StoreConfig{
			Backend:           "memory",
			TTL:               24 * time.Hour,
			HistoryLimit:      50,
			TimelineMaxEvents: 500,
		},
		RAG: RAGConfig{
			IndexPath:    "data/rag_index.db",
			DocsDir:      "data/docs",
			TopK:         6,
			ChunkSize:    900,
			ChunkOverlap: 150,
			ExcerptChars: 300,
		},
		Gateway: GatewayConfig{
			PingInterval: 20 * time.Second,
			WriteTimeout: 10 * time.Second,
			QueueSize:    64,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// Load 从文件加载配置：默认值 → YAML → 环境变量（含 .env）。path 为空时只用默认值与环境变量。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv 从环境变量覆盖敏感信息与部署相关项
func applyEnv(cfg *Config) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.LLM.OpenAI.APIKey = key
		if cfg.Voice.APIKey == "" {
			cfg.Voice.APIKey = key
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.Anthropic.APIKey = key
	}
	// LLM_API_KEY 优先级最高，作用于当前 provider
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		switch cfg.LLM.Provider {
		case "openai":
			cfg.LLM.OpenAI.APIKey = key
		case "anthropic":
			cfg.LLM.Anthropic.APIKey = key
		}
	}
	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		cfg.LLM.Provider = provider
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Store.RedisURL = url
	}
	if backend := os.Getenv("FIXDAD_STORE_BACKEND"); backend != "" {
		cfg.Store.Backend = backend
	}
	if level := os.Getenv("FIXDAD_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported llm provider %q", c.LLM.Provider)
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for redis backend (set REDIS_URL)")
		}
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Intake.MinGap < 0 {
		return fmt.Errorf("intake.min_gap must not be negative")
	}
	if c.Intake.TranscriptStaleness <= 0 || c.Intake.ClassifyTimeout <= 0 {
		return fmt.Errorf("intake.transcript_staleness and intake.classify_timeout must be positive")
	}
	if c.Guide.RetryCeiling < 1 {
		return fmt.Errorf("guide.retry_ceiling must be at least 1")
	}
	if c.RAG.ChunkSize <= 0 || c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap must be in [0, chunk_size)")
	}
	return nil
}
