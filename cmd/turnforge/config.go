package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the process-level configuration, YAML-tagged like the
// teacher's internal/config.Config, scoped to what this entrypoint wires:
// the HTTP server, the repository backend, and the provider clients
// (Anthropic, OpenAI, Bedrock, Gemini).
type AppConfig struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		Driver string `yaml:"driver"` // "postgres", "sqlite", or "memory"
		URL    string `yaml:"url"`
	} `yaml:"database"`

	Providers struct {
		AnthropicAPIKey string `yaml:"anthropic_api_key"`
		OpenAIAPIKey    string `yaml:"openai_api_key"`
		OpenAIBaseURL   string `yaml:"openai_base_url"`
		DefaultModel    string `yaml:"default_model"`

		BedrockRegion       string `yaml:"bedrock_region"`
		BedrockAccessKeyID  string `yaml:"bedrock_access_key_id"`
		BedrockSecretKey    string `yaml:"bedrock_secret_access_key"`
		BedrockDefaultModel string `yaml:"bedrock_default_model"`

		GeminiAPIKey       string `yaml:"gemini_api_key"`
		GeminiDefaultModel string `yaml:"gemini_default_model"`
	} `yaml:"providers"`

	SubAgentRouterStateRoot string `yaml:"sub_agent_router_state_root"`
	CORSOrigins             string `yaml:"cors_origins"`
	SettingsBootstrapFile   string `yaml:"settings_bootstrap_file"`

	Tracing struct {
		Endpoint       string  `yaml:"endpoint"`
		SamplingRate   float64 `yaml:"sampling_rate"`
		Environment    string  `yaml:"environment"`
		EnableInsecure bool    `yaml:"enable_insecure"`
	} `yaml:"tracing"`

	BackgroundWorker struct {
		PollInterval       time.Duration `yaml:"poll_interval"`
		MaxSessionsPerTick int           `yaml:"max_sessions_per_tick"`
		AlignTo            string        `yaml:"align_to"`
	} `yaml:"background_worker"`
}

// DefaultAppConfig matches spec §6's stated environment-variable defaults.
func DefaultAppConfig() *AppConfig {
	cfg := &AppConfig{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 3001
	cfg.Database.Driver = "memory"
	cfg.Providers.OpenAIBaseURL = "https://api.openai.com/v1"
	cfg.Providers.DefaultModel = "gpt-4o"
	cfg.BackgroundWorker.PollInterval = 10 * time.Second
	cfg.BackgroundWorker.MaxSessionsPerTick = 50
	return cfg
}

// LoadAppConfig layers a YAML file (if present) over DefaultAppConfig, then
// the process environment over that — the (defaults ← YAML ←
// env) layering idiom from internal/config/config.go.
func LoadAppConfig(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
		if cfg.Database.Driver == "memory" {
			cfg.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.AnthropicAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Providers.OpenAIBaseURL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Providers.BedrockRegion = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Providers.BedrockAccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Providers.BedrockSecretKey = v
	}
	if v := os.Getenv("BEDROCK_DEFAULT_MODEL"); v != "" {
		cfg.Providers.BedrockDefaultModel = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		cfg.Providers.GeminiAPIKey = v
	}
	if v := os.Getenv("GEMINI_DEFAULT_MODEL"); v != "" {
		cfg.Providers.GeminiDefaultModel = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = v
	}
	if v := os.Getenv("SUB_AGENT_ROUTER_STATE_ROOT"); v != "" {
		cfg.SubAgentRouterStateRoot = v
	}
	if v := os.Getenv("SETTINGS_BOOTSTRAP_FILE"); v != "" {
		cfg.SettingsBootstrapFile = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SamplingRate = f
		}
	}
	if v := os.Getenv("OTEL_DEPLOYMENT_ENVIRONMENT"); v != "" {
		cfg.Tracing.Environment = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		cfg.Tracing.EnableInsecure = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SESSION_SUMMARY_JOB_MAX_SESSIONS_PER_TICK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BackgroundWorker.MaxSessionsPerTick = n
		}
	}
	if v := os.Getenv("SESSION_SUMMARY_JOB_ALIGN_TO"); v != "" {
		cfg.BackgroundWorker.AlignTo = v
	}
}
