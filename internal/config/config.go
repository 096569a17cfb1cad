// Package config handles cairn configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/cairn/config.yaml, /etc/cairn/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cairn", "config.yaml"))
	}

	paths = append(paths, "/etc/cairn/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all cairn configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Memory     MemoryConfig     `yaml:"memory"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Cron       CronConfig       `yaml:"cron"`
	Webhooks   []WebhookConfig  `yaml:"webhooks"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Identities []string         `yaml:"identities"` // Identities the heartbeat ticks for
	DataDir    string           `yaml:"data_dir"`
	Timezone   string           `yaml:"timezone"`
	LogLevel   string           `yaml:"log_level"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Duration wraps time.Duration so YAML values like "15m" decode
// directly. yaml.v3 has no native time.Duration support.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// OracleConfig defines the model-call oracle connection.
type OracleConfig struct {
	BaseURL    string   `yaml:"base_url"` // Ollama-compatible endpoint
	Model      string   `yaml:"model"`
	Timeout    Duration `yaml:"timeout"`      // Per-call timeout
	TurnBudget Duration `yaml:"turn_timeout"` // Whole-turn execution timeout
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`   // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"baseurl"` // Defaults to oracle.base_url
}

// MemoryConfig holds the tunable constants of the resolver and the
// hybrid ranking. The decision table in the resolver is the binding
// contract; these numbers only shift where its branches cut over.
type MemoryConfig struct {
	MatchThreshold float64 `yaml:"match_threshold"` // Similarity at or above which a candidate matches an existing node
	SkipBand       float64 `yaml:"skip_band"`       // Width of the borderline band below the threshold that resolves to SKIP
	MinConfidence  float64 `yaml:"min_confidence"`  // Candidates below this never reach the resolver
	SemanticWeight float64 `yaml:"semantic_weight"` // Hybrid ranking share for the similarity index
	KeywordWeight  float64 `yaml:"keyword_weight"`  // Hybrid ranking share for the keyword index
}

// HeartbeatConfig defines the fixed-interval autonomous turn.
type HeartbeatConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Interval    Duration `yaml:"interval"`
	MaxMessages int      `yaml:"max_messages"` // Outbound message cap per cycle
	StaleAfter  Duration `yaml:"stale_after"`  // Conversation gap before the stale check fires
}

// CronConfig defines scheduled job execution limits.
type CronConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"` // Process-wide cap on in-flight job turns
}

// WebhookConfig registers one inbound webhook key. TokenHash is a
// bcrypt hash of the bearer token; plaintext tokens never appear in
// the config file.
type WebhookConfig struct {
	Key       string `yaml:"key"`
	TokenHash string `yaml:"token_hash"`
	Identity  string `yaml:"identity"` // Identity the hook's events are attributed to
}

// MQTTConfig defines the outbound MQTT delivery channel.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g., "mqtt://localhost:1883"
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8080},
		DataDir: "data",
		Oracle: OracleConfig{
			BaseURL:    "http://localhost:11434",
			Model:      "qwen3:4b",
			Timeout:    Duration{2 * time.Minute},
			TurnBudget: Duration{5 * time.Minute},
		},
		Embeddings: EmbeddingsConfig{
			Enabled: true,
			Model:   "nomic-embed-text",
		},
		Memory: MemoryConfig{
			MatchThreshold: 0.82,
			SkipBand:       0.08,
			MinConfidence:  0.55,
			SemanticWeight: 0.6,
			KeywordWeight:  0.4,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:     true,
			Interval:    Duration{30 * time.Minute},
			MaxMessages: 2,
			StaleAfter:  Duration{36 * time.Hour},
		},
		Cron:       CronConfig{MaxConcurrent: 4},
		Identities: []string{"default"},
	}
}
