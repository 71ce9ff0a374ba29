// Package config handles Relay configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names accepted in backend definitions.
const (
	ProviderOpenAI    = "openai" // any OpenAI-compatible endpoint (OpenAI, Groq, OpenRouter)
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
)

// DefaultSearchPaths returns the config file search order.
// Then: ./config.yaml, ~/.config/relay/config.yaml, /etc/relay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "relay", "config.yaml"))
	}

	paths = append(paths, "/etc/relay/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Relay configuration.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" (default) or "json"

	Backends []BackendConfig `yaml:"backends"`
	Gateway  GatewayConfig   `yaml:"gateway"`
	Modes    []ModeConfig    `yaml:"modes"`
	Agent    AgentConfig     `yaml:"agent"`
	Tools    ToolsConfig     `yaml:"tools"`
	Convert  ConvertConfig   `yaml:"convert"`
	Telegram TelegramConfig  `yaml:"telegram"`
	WebChat  WebChatConfig   `yaml:"webchat"`
	MQTT     MQTTConfig      `yaml:"mqtt"`
}

// BackendConfig defines one language-model backend. Each entry in
// APIKeys becomes its own provider client; the gateway tries them in
// the listed order.
type BackendConfig struct {
	Name     string   `yaml:"name"`
	Provider string   `yaml:"provider"` // openai, anthropic, gemini, ollama
	BaseURL  string   `yaml:"base_url"`
	Model    string   `yaml:"model"`
	APIKeys  []string `yaml:"api_keys"`
	// Vision marks the backend as image-capable. Exactly one backend
	// is designated as the gateway's vision backend.
	Vision      bool          `yaml:"vision"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature *float64      `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// GatewayConfig assigns backend roles.
type GatewayConfig struct {
	// Primary is the default text backend.
	Primary string `yaml:"primary"`
	// Vision is the image-capable backend; it is also the fallback for
	// the primary family and vice versa.
	Vision string `yaml:"vision"`
	// Selector is the backend hint used for tool selection. Defaults
	// to Primary.
	Selector string `yaml:"selector"`
	// LogChars bounds the prompt and response excerpts written to logs
	// and to the call log.
	LogChars int `yaml:"log_chars"`
	// CallLog enables the persistent gateway call log.
	CallLog bool `yaml:"call_log"`
}

// ModeConfig defines a pinned conversation mode. The name doubles as
// the toggle command (/name). Exactly one of Backend or Tool is set.
type ModeConfig struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Backend      string `yaml:"backend"`
	Tool         string `yaml:"tool"`
	Greeting     string `yaml:"greeting"`
	TraceSummary bool   `yaml:"trace_summary"`
}

// AgentConfig tunes the per-turn pipeline.
type AgentConfig struct {
	HistoryLimit int           `yaml:"history_limit"`
	Workers      int           `yaml:"workers"`
	ToolTimeout  time.Duration `yaml:"tool_timeout"`
	TurnTimeout  time.Duration `yaml:"turn_timeout"`
	// CancelHold is the minimum time a turn holds the processing lock
	// before a cancel request can release it.
	CancelHold        time.Duration `yaml:"cancel_hold"`
	SpeculativeAnswer bool          `yaml:"speculative_answer"`
	// Persona is appended to the answer system prompt.
	Persona string `yaml:"persona"`
}

// ToolsConfig selects and configures tools. Enabled lists tool names
// in catalog order; an unknown name is a startup error.
type ToolsConfig struct {
	Enabled   []string      `yaml:"enabled"`
	OutputDir string        `yaml:"output_dir"`
	Search    SearchConfig  `yaml:"search"`
	Wolfram   WolframConfig `yaml:"wolfram"`
	Movie     MovieConfig   `yaml:"movie"`
	Media     MediaConfig   `yaml:"media"`
	CodeRun   CodeRunConfig `yaml:"code_run"`
	Latex     LatexConfig   `yaml:"latex"`
}

// SearchConfig configures the web_search tool.
type SearchConfig struct {
	Provider    string `yaml:"provider"` // brave or searxng
	BraveAPIKey string `yaml:"brave_api_key"`
	SearXNGURL  string `yaml:"searxng_url"`
	Count       int    `yaml:"count"`
	// ImageCount is how many pictures image_search attaches.
	ImageCount int `yaml:"image_count"`
}

// WolframConfig configures the Wolfram|Alpha tools.
type WolframConfig struct {
	AppID string `yaml:"app_id"`
}

// MovieConfig configures the movie tool (OMDb API).
type MovieConfig struct {
	APIKey string `yaml:"api_key"`
	URL    string `yaml:"url"`
}

// MediaConfig configures the video_summary tool.
type MediaConfig struct {
	YtDlpPath   string `yaml:"yt_dlp_path"`
	CookiesFile string `yaml:"cookies_file"`
	Language    string `yaml:"language"`
}

// CodeRunConfig configures the sandboxed code runner (Piston API).
type CodeRunConfig struct {
	URL      string `yaml:"url"`
	Language string `yaml:"language"`
	Version  string `yaml:"version"`
}

// LatexConfig configures LaTeX rendering.
type LatexConfig struct {
	// CompileURL is a latexonline-compatible endpoint.
	CompileURL string `yaml:"compile_url"`
	// ImageURL is a codecogs-compatible endpoint for inline formulas.
	ImageURL string `yaml:"image_url"`
}

// ConvertConfig configures attachment-to-text conversion.
type ConvertConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
	// WhisperBackend names an openai-provider backend whose endpoint
	// and keys are used for audio transcription.
	WhisperBackend string `yaml:"whisper_backend"`
	WhisperModel   string `yaml:"whisper_model"`
}

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	Token        string  `yaml:"token"`
	RateLimit    int     `yaml:"rate_limit"` // messages per user per minute; 0 = unlimited
	AllowedUsers []int64 `yaml:"allowed_users"`
	Support      string  `yaml:"support"`
}

// Configured reports whether a bot token is set.
func (c TelegramConfig) Configured() bool { return c.Token != "" }

// WebChatConfig configures the WebSocket chat endpoint. Clients name
// their user id in the URL, so the endpoint trusts whoever can reach it:
// keep it on loopback or set a token. Telegram's allowed_users list
// applies here too.
type WebChatConfig struct {
	Address string `yaml:"address"` // default 127.0.0.1
	Port    int    `yaml:"port"`
	// Token, when set, must accompany every chat connection as a bearer
	// token or a token query parameter.
	Token string `yaml:"token"`
}

// Configured reports whether the chat endpoint should listen.
func (c WebChatConfig) Configured() bool { return c.Port > 0 }

// MQTTConfig configures the event publisher.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	TopicPrefix     string        `yaml:"topic_prefix"`
	DeviceName      string        `yaml:"device_name"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	// DiscoveryPrefix enables Home Assistant discovery of the stats
	// sensors when set (usually "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Gateway.Selector == "" {
		c.Gateway.Selector = c.Gateway.Primary
	}
	if c.Gateway.LogChars <= 0 {
		c.Gateway.LogChars = 300
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		b.Provider = strings.ToLower(strings.TrimSpace(b.Provider))
		if b.Timeout == 0 {
			b.Timeout = 2 * time.Minute
		}
		if b.MaxTokens == 0 {
			b.MaxTokens = 4096
		}
	}
	for i := range c.Modes {
		c.Modes[i].Name = strings.ToLower(strings.TrimSpace(c.Modes[i].Name))
	}
	if c.Agent.HistoryLimit <= 0 {
		c.Agent.HistoryLimit = 10
	}
	if c.Agent.Workers <= 0 {
		c.Agent.Workers = 4
	}
	if c.Agent.ToolTimeout == 0 {
		c.Agent.ToolTimeout = 90 * time.Second
	}
	if c.Agent.TurnTimeout == 0 {
		c.Agent.TurnTimeout = 5 * time.Minute
	}
	if c.Agent.CancelHold == 0 {
		c.Agent.CancelHold = 10 * time.Second
	}
	if c.Tools.OutputDir == "" {
		c.Tools.OutputDir = filepath.Join(c.DataDir, "files")
	}
	if c.Tools.Search.Provider == "" {
		c.Tools.Search.Provider = "searxng"
		if c.Tools.Search.BraveAPIKey != "" {
			c.Tools.Search.Provider = "brave"
		}
	}
	if c.Tools.Search.Count == 0 {
		c.Tools.Search.Count = 5
	}
	if c.Tools.CodeRun.URL == "" {
		c.Tools.CodeRun.URL = "https://emkc.org/api/v2/piston"
	}
	if c.Tools.CodeRun.Language == "" {
		c.Tools.CodeRun.Language = "python"
	}
	if c.Tools.CodeRun.Version == "" {
		c.Tools.CodeRun.Version = "3.10.0"
	}
	if c.Tools.Latex.CompileURL == "" {
		c.Tools.Latex.CompileURL = "https://latexonline.cc/compile"
	}
	if c.Tools.Latex.ImageURL == "" {
		c.Tools.Latex.ImageURL = "https://latex.codecogs.com/png.latex"
	}
	if c.Tools.Media.Language == "" {
		c.Tools.Media.Language = "en"
	}
	if c.Convert.MaxBytes == 0 {
		c.Convert.MaxBytes = 20 * 1024 * 1024
	}
	if c.Convert.WhisperModel == "" {
		c.Convert.WhisperModel = "whisper-large-v3"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "relay"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "relay"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = time.Minute
	}
	if c.WebChat.Address == "" {
		c.WebChat.Address = "127.0.0.1"
	}
}

// Validate checks cross-field consistency. It is called by Load after
// defaults are applied.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat)
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("no backends configured")
	}
	seen := make(map[string]BackendConfig, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend with empty name")
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("backend %q defined twice", b.Name)
		}
		switch b.Provider {
		case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
			if len(b.APIKeys) == 0 {
				return fmt.Errorf("backend %q: at least one api key required", b.Name)
			}
		case ProviderOllama:
		default:
			return fmt.Errorf("backend %q: unknown provider %q", b.Name, b.Provider)
		}
		if b.Model == "" {
			return fmt.Errorf("backend %q: model is required", b.Name)
		}
		seen[b.Name] = b
	}

	if _, ok := seen[c.Gateway.Primary]; !ok {
		return fmt.Errorf("gateway.primary %q is not a configured backend", c.Gateway.Primary)
	}
	if c.Gateway.Vision == c.Gateway.Primary {
		return fmt.Errorf("gateway.primary and gateway.vision must differ")
	}
	vision, ok := seen[c.Gateway.Vision]
	if !ok {
		return fmt.Errorf("gateway.vision %q is not a configured backend", c.Gateway.Vision)
	}
	if !vision.Vision {
		return fmt.Errorf("gateway.vision backend %q is not marked vision: true", c.Gateway.Vision)
	}
	if _, ok := seen[c.Gateway.Selector]; !ok {
		return fmt.Errorf("gateway.selector %q is not a configured backend", c.Gateway.Selector)
	}

	modeNames := make(map[string]bool, len(c.Modes))
	for _, m := range c.Modes {
		switch {
		case m.Name == "":
			return fmt.Errorf("mode with empty name")
		case slices.Contains(reservedCommands, m.Name):
			return fmt.Errorf("mode %q collides with a built-in command", m.Name)
		case modeNames[m.Name]:
			return fmt.Errorf("mode %q defined twice", m.Name)
		case (m.Backend == "") == (m.Tool == ""):
			return fmt.Errorf("mode %q: exactly one of backend or tool must be set", m.Name)
		}
		if m.Backend != "" {
			if _, ok := seen[m.Backend]; !ok {
				return fmt.Errorf("mode %q: unknown backend %q", m.Name, m.Backend)
			}
		}
		if m.Tool != "" && !slices.Contains(c.Tools.Enabled, m.Tool) {
			return fmt.Errorf("mode %q: tool %q is not enabled", m.Name, m.Tool)
		}
		modeNames[m.Name] = true
	}

	if c.Convert.WhisperBackend != "" {
		b, ok := seen[c.Convert.WhisperBackend]
		if !ok || b.Provider != ProviderOpenAI {
			return fmt.Errorf("convert.whisper_backend %q must name an openai-provider backend", c.Convert.WhisperBackend)
		}
	}
	if c.MQTT.Configured() && c.MQTT.PublishInterval < time.Second {
		return fmt.Errorf("mqtt.publish_interval must be at least 1s")
	}
	if c.Agent.CancelHold < 0 {
		return fmt.Errorf("agent.cancel_hold must not be negative")
	}
	return nil
}

// reservedCommands are transport commands a mode name may not shadow.
var reservedCommands = []string{"start", "help", "clear", "cancel", "tools", "set", "default", "processing"}

// Backend returns the named backend definition.
func (c *Config) Backend(name string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}
