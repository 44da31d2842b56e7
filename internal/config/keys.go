package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "QUALAGENTS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "QUALAGENTS_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "ollama.base_url", typ: kString, env: "QUALAGENTS_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "QUALAGENTS_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "QUALAGENTS_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "openai.api_key", typ: kString, env: "QUALAGENTS_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.chat_model", typ: kString, env: "QUALAGENTS_OPENAI_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.ChatModel },
	},
	{
		key: "openai.embed_model", typ: kString, env: "QUALAGENTS_OPENAI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "QUALAGENTS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "memory.dimensions", typ: kInt, env: "QUALAGENTS_MEMORY_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Memory.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.Dimensions },
	},
	{
		key: "memory.top_k", typ: kInt, env: "QUALAGENTS_MEMORY_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Memory.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.TopK },
	},
	{
		key: "memory.min_score", typ: kFloat, env: "QUALAGENTS_MEMORY_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Memory.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Memory.MinScore },
	},
	{
		key: "analysis.workers", typ: kInt, env: "QUALAGENTS_ANALYSIS_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Analysis.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.Workers },
	},
	{
		key: "analysis.job_timeout", typ: kString, env: "QUALAGENTS_ANALYSIS_JOB_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Analysis.JobTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.JobTimeout },
	},
	{
		key: "analysis.default_approach", typ: kString, env: "QUALAGENTS_ANALYSIS_DEFAULT_APPROACH",
		apply:   func(cfg *Config, v any) { cfg.Analysis.DefaultApproach = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.DefaultApproach },
	},
	{
		key: "router.max_retries", typ: kInt, env: "QUALAGENTS_ROUTER_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Router.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Router.MaxRetries },
	},
	{
		key: "router.call_timeout", typ: kString, env: "QUALAGENTS_ROUTER_CALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Router.CallTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Router.CallTimeout },
	},
	{
		key: "router.max_local_len", typ: kInt, env: "QUALAGENTS_ROUTER_MAX_LOCAL_LEN",
		apply:   func(cfg *Config, v any) { cfg.Router.MaxLocalLen = v.(int) },
		extract: func(cfg Config) any { return cfg.Router.MaxLocalLen },
	},
	{
		key: "registry.url", typ: kString, env: "QUALAGENTS_REGISTRY_URL",
		apply:   func(cfg *Config, v any) { cfg.Registry.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Registry.URL },
	},
	{
		key: "registry.token", typ: kString, env: "QUALAGENTS_REGISTRY_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Registry.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Registry.Token },
	},
	{
		key: "registry.agents_file", typ: kString, env: "QUALAGENTS_REGISTRY_AGENTS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Registry.AgentsFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Registry.AgentsFile },
	},
	{
		key: "auth.api_token", typ: kString, env: "QUALAGENTS_AUTH_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "QUALAGENTS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
