// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Backend kinds.
const (
	BackendNDJSON = "ndjson"
	BackendOpenAI = "openai"
)

// DefaultModel is used when a request names no model or one outside the
// allow-list.
const DefaultModel = "@cf/meta/llama-3.3-70b-instruct-fp8-fast"

// DefaultSystemPrompt is prepended to conversations without a system message.
const DefaultSystemPrompt = "You are a helpful, friendly assistant. Provide concise and accurate responses."

// DefaultModels is the built-in allow-list.
var DefaultModels = []string{
	"@cf/deepseek-ai/deepseek-r1-distill-qwen-32b",
	DefaultModel,
	"@cf/meta/llama-4-scout-17b-16e-instruct",
	"@cf/qwen/qwq-32b",
	"@cf/deepseek-ai/deepseek-math-7b-instruct",
}

// Config holds all server configuration.
type Config struct {
	Port        string
	FrontendURL string
	AppEnv      string
	Backend     BackendConfig
	Chat        ChatConfig
	// MaxRequestBodySize bounds the size of a chat request body in bytes.
	MaxRequestBodySize int64
	ConversationLog    ConversationLogConfig
}

// BackendConfig selects and addresses the model backend.
type BackendConfig struct {
	Kind    string
	URL     string
	APIKey  string
	Timeout time.Duration
}

// ChatConfig controls how chat requests are shaped before they reach the
// backend.
type ChatConfig struct {
	DefaultModel  string
	AllowedModels []string
	SystemPrompt  string
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads server configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}
	bodySize := int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20))
	if bodySize <= 0 {
		bodySize = 1 << 20
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		AppEnv:             getEnv("APP_ENV", ""),
		MaxRequestBodySize: bodySize,
		Backend: BackendConfig{
			Kind:    strings.ToLower(getEnv("BACKEND_KIND", BackendNDJSON)),
			URL:     getEnv("BACKEND_URL", ""),
			APIKey:  getEnv("BACKEND_API_KEY", ""),
			Timeout: getEnvDuration("BACKEND_TIMEOUT", 0),
		},
		Chat: ChatConfig{
			DefaultModel:  getEnv("DEFAULT_MODEL", DefaultModel),
			AllowedModels: getEnvList("ALLOWED_MODELS", DefaultModels),
			SystemPrompt:  getEnvNonEmpty("SYSTEM_PROMPT", DefaultSystemPrompt),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Backend.Kind {
	case BackendNDJSON:
		if c.Backend.URL == "" {
			return fmt.Errorf("BACKEND_URL is required for the %s backend", BackendNDJSON)
		}
	case BackendOpenAI:
	default:
		return fmt.Errorf("BACKEND_KIND must be %q or %q, got %q", BackendNDJSON, BackendOpenAI, c.Backend.Kind)
	}
	if len(c.Chat.AllowedModels) == 0 {
		return fmt.Errorf("ALLOWED_MODELS cannot be empty")
	}
	if !slices.Contains(c.Chat.AllowedModels, c.Chat.DefaultModel) {
		return fmt.Errorf("DEFAULT_MODEL %q is not in ALLOWED_MODELS", c.Chat.DefaultModel)
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if c.AppEnv != "" {
		return c.AppEnv == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" || c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

// ClientConfig holds configuration for the terminal client.
type ClientConfig struct {
	ServerURL   string
	DBPath      string
	Greeting    string
	Model       string
	Development bool
}

// LoadClient reads terminal client configuration from environment variables.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		ServerURL:   strings.TrimRight(getEnv("CHAT_SERVER_URL", "http://localhost:8080"), "/"),
		DBPath:      getEnv("CHAT_DB_PATH", "./data/chat.db"),
		Greeting:    getEnv("CHAT_GREETING", ""),
		Model:       getEnv("CHAT_MODEL", ""),
		Development: getEnv("APP_ENV", "") == "development",
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("invalid configuration: CHAT_SERVER_URL cannot be empty")
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("invalid configuration: CHAT_DB_PATH cannot be empty")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// getEnvNonEmpty is getEnv for values that cannot be blank.
func getEnvNonEmpty(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// getEnvList reads a comma-separated list, dropping empty entries.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return slices.Clone(fallback)
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
