package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Policy    PolicyConfig    `koanf:"policy"`
	CLI       CLIConfig       `koanf:"cli"`
	Workflow  WorkflowConfig  `koanf:"workflow"`
	Outbox    OutboxConfig    `koanf:"outbox"`
	Retention RetentionConfig `koanf:"retention"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	Path string `koanf:"path"`
}

// PolicyConfig locates the hot-reloadable policy document.
type PolicyConfig struct {
	Path string `koanf:"path"`
}

// CLIConfig names the external agent binaries and their wall-clock budgets.
type CLIConfig struct {
	AssistantBin            string `koanf:"assistant_bin"`
	AgentBin                string `koanf:"agent_bin"`
	AssistantTimeoutSeconds int    `koanf:"assistant_timeout_seconds"`
	AgentTimeoutSeconds     int    `koanf:"agent_timeout_seconds"`
}

type WorkflowConfig struct {
	BaseURL               string `koanf:"base_url"`
	TriggerTimeoutSeconds int    `koanf:"trigger_timeout_seconds"`
}

type OutboxConfig struct {
	PollIntervalSeconds   int `koanf:"poll_interval_seconds"`
	BatchSize             int `koanf:"batch_size"`
	MaxAttempts           int `koanf:"max_attempts"`
	RequestTimeoutSeconds int `koanf:"request_timeout_seconds"`
}

// RetentionConfig schedules cleanup of delivered outbox events.
// An empty cron expression disables the job. Audit rows are never
// pruned by the bridge.
type RetentionConfig struct {
	PurgeDeliveredCron string `koanf:"purge_delivered_cron"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the config file (if present) and overlays BRIDGE_*
// environment variables, then fills in defaults.
// BRIDGE_CLI__ASSISTANT_BIN maps to cli.assistant_bin.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = "bridge.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("BRIDGE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "BRIDGE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]interface{}{
		"server.port":                      8787,
		"storage.path":                     "./data/bridge.db",
		"policy.path":                      "policy.yaml",
		"cli.assistant_bin":                "claude",
		"cli.agent_bin":                    "openclaw",
		"cli.assistant_timeout_seconds":    120,
		"cli.agent_timeout_seconds":        120,
		"workflow.base_url":                "http://localhost:5678",
		"workflow.trigger_timeout_seconds": 30,
		"outbox.poll_interval_seconds":     5,
		"outbox.batch_size":                20,
		"outbox.max_attempts":              5,
		"outbox.request_timeout_seconds":   10,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute ${VAR} references so secrets can stay out of the file.
	cfg.Workflow.BaseURL = substituteEnvVars(cfg.Workflow.BaseURL)
	cfg.Storage.Path = substituteEnvVars(cfg.Storage.Path)

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
