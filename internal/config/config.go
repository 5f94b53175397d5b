package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Routing   RoutingConfig   `yaml:"routing"`
	Planner   PlannerConfig   `yaml:"planner"`
	LLM       LLMConfig       `yaml:"llm"`
	Store     StoreConfig     `yaml:"store"`
	Events    EventsConfig    `yaml:"events"`
	Retention RetentionConfig `yaml:"retention"`
	Tools     ToolsConfig     `yaml:"tools"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type EngineConfig struct {
	StepConcurrency int    `yaml:"step_concurrency"`
	WorkerPool      int    `yaml:"worker_pool"`
	StepTimeout     string `yaml:"step_timeout"`
	WorkflowTimeout string `yaml:"workflow_timeout"`
	DefaultPolicy   string `yaml:"default_policy"`
}

type RoutingConfig struct {
	ConfidenceThreshold float64      `yaml:"confidence_threshold"`
	CrossLangScale      float64      `yaml:"cross_lang_scale"`
	Tools               []ToolRoutes `yaml:"tools"`
}

type ToolRoutes struct {
	Tool     string    `yaml:"tool"`
	Priority int       `yaml:"priority"`
	Patterns []Pattern `yaml:"patterns"`
}

type Pattern struct {
	Phrase string  `yaml:"phrase"`
	Weight float64 `yaml:"weight"`
	Lang   string  `yaml:"lang"`
}

type PlannerConfig struct {
	LLMTimeout string                      `yaml:"llm_timeout"`
	Fallbacks  map[string]FallbackTemplate `yaml:"fallbacks"`
}

type FallbackTemplate struct {
	Action     string            `yaml:"action"`
	Parameters map[string]string `yaml:"parameters"`
}

type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

type EventsConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	NodeID    string `yaml:"node_id"`
}

type RetentionConfig struct {
	TTL      string `yaml:"ttl"`
	Schedule string `yaml:"schedule"`
}

type ToolsConfig struct {
	CommandWorkDir string `yaml:"command_work_dir"`
	LuaScriptsDir  string `yaml:"lua_scripts_dir"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func expandEnvInSecrets(cfg *Config) {
	cfg.LLM.BaseURL = expandEnv(cfg.LLM.BaseURL)
	cfg.LLM.APIKey = expandEnv(cfg.LLM.APIKey)
	cfg.Store.DSN = expandEnv(cfg.Store.DSN)
	cfg.Events.RedisAddr = expandEnv(cfg.Events.RedisAddr)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expandEnvInSecrets(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for _, field := range []struct{ name, value string }{
		{"engine.step_timeout", c.Engine.StepTimeout},
		{"engine.workflow_timeout", c.Engine.WorkflowTimeout},
		{"planner.llm_timeout", c.Planner.LLMTimeout},
		{"retention.ttl", c.Retention.TTL},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	for _, tr := range c.Routing.Tools {
		if tr.Tool == "" {
			return fmt.Errorf("routing.tools: entry without a tool name")
		}
		for _, p := range tr.Patterns {
			if p.Phrase == "" {
				return fmt.Errorf("routing.tools[%s]: pattern without a phrase", tr.Tool)
			}
		}
	}
	return nil
}

// Duration parses a duration field, returning fallback when the field is
// empty. Validation already rejected unparseable values.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
