package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Ollama   OllamaConfig
	OpenAI   OpenAIConfig
	Storage  StorageConfig
	Memory   MemoryConfig
	Analysis AnalysisConfig
	Router   RouterConfig
	Registry RegistryConfig
	Auth     AuthConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type OpenAIConfig struct {
	APIKey     string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type MemoryConfig struct {
	Dimensions int
	TopK       int
	MinScore   float64
}

type AnalysisConfig struct {
	Workers         int
	JobTimeout      string // duration string, e.g. "2m"
	DefaultApproach string
}

type RouterConfig struct {
	MaxRetries  int
	CallTimeout string // duration string, e.g. "30s"
	MaxLocalLen int    // hybrid routing: inputs up to this many runes stay local
}

type RegistryConfig struct {
	URL        string // remote registry base URL; empty selects the static registry
	Token      string
	AgentsFile string // JSON agent list for the static registry
}

type AuthConfig struct {
	APIToken string // bearer token for the HTTP API; empty disables auth
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:    8000,
			MCPPort: 8001,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		OpenAI: OpenAIConfig{
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Memory: MemoryConfig{
			Dimensions: 768,
			TopK:       5,
			MinScore:   0.55,
		},
		Analysis: AnalysisConfig{
			Workers:         2,
			JobTimeout:      "2m",
			DefaultApproach: "thematic",
		},
		Router: RouterConfig{
			MaxRetries:  2,
			CallTimeout: "30s",
			MaxLocalLen: 2000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// JobTimeoutDuration parses the configured per-job deadline, falling back to
// two minutes on an invalid value.
func (c AnalysisConfig) JobTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.JobTimeout); err == nil && d > 0 {
		return d
	}
	return 2 * time.Minute
}

// CallTimeoutDuration parses the configured per-attempt deadline, falling
// back to thirty seconds on an invalid value.
func (c RouterConfig) CallTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.CallTimeout); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.qualagents.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/qualagents/config.json
// and secrets must be provided via environment variables.
//
// Environment variables (QUALAGENTS_*) override backend values on all
// platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try platform keychain for the premium API key if still empty.
	if cfg.OpenAI.APIKey == "" {
		if key, err := kc.Get("qualagents", "openai_api_key"); err == nil && key != "" {
			cfg.OpenAI.APIKey = key
		}
	}

	if cfg.OpenAI.APIKey == "" {
		msg := "missing required config: OpenAI API key. " +
			"Set it via environment variable QUALAGENTS_OPENAI_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if cfg.Memory.Dimensions <= 0 {
		return Config{}, fmt.Errorf("invalid config: memory.dimensions must be positive, got %d", cfg.Memory.Dimensions)
	}

	return cfg, nil
}

// keychainReader reads from macOS Keychain via the security CLI.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
