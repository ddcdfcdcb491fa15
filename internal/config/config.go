package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"interlock/internal/domain"
)

// Config models interlock.yml.
type Config struct {
	Workflow struct {
		// MaxRetries bounds retries per stage. Omitted means the policy
		// default; zero means the first retry already fails the run closed.
		MaxRetries *int              `yaml:"max_retries"`
		Guidance   map[string]string `yaml:"guidance"`
	} `yaml:"workflow"`
	Auth struct {
		JWTSecret        string `yaml:"jwt_secret"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
	} `yaml:"auth"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with ilk config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workflow.MaxRetries != nil && *c.Workflow.MaxRetries < 0 {
		return fmt.Errorf("config.workflow.max_retries must not be negative")
	}
	for tag := range c.Workflow.Guidance {
		stage, err := domain.ParseStage(tag)
		if err != nil {
			return fmt.Errorf("config.workflow.guidance: %w", err)
		}
		if stage.Terminal() {
			return fmt.Errorf("config.workflow.guidance: terminal stage %s takes no guidance", stage)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			switch evt {
			case domain.EventSubmitted, domain.EventGatePassed, domain.EventGateRetried,
				domain.EventGateStopped, domain.EventTransitioned:
			default:
				return fmt.Errorf("config.webhooks[%d] subscribes to unknown event %q", i, evt)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "interlock.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workflow:
  # Retries tolerated per stage before the run fails closed.
  max_retries: 3
  # Optional per-stage guidance overrides. Keys are stage tags.
  guidance: {}

auth:
  # HMAC secret for JWT bearer tokens. Empty disables JWT auth.
  jwt_secret: ""
  # Accept the X-Actor-ID header without credentials. Local use only.
  allow_actor_header: true

webhooks: []
`
