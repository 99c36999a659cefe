package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models planline.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Planning struct {
		RequirementsFile string   `yaml:"requirements_file"`
		DefaultSections  []string `yaml:"default_sections"`
		// Contexts maps a bounded context name to the module ids it owns.
		Contexts map[string][]string `yaml:"contexts"`
	} `yaml:"planning"`
	Tracker  Tracker  `yaml:"tracker"`
	Handoff  Handoff  `yaml:"handoff"`
	Webhooks []Hook   `yaml:"webhooks"`
	Logging  Logging  `yaml:"logging"`
}

type Tracker struct {
	// Kind is "local" (workspace issue ledger) or "command".
	Kind    string   `yaml:"kind"`
	Command []string `yaml:"command"`
	Labels  []string `yaml:"labels"`
	Timeout Duration `yaml:"timeout"`
}

type Handoff struct {
	// Transport is "sqlite" or "nats".
	Transport     string   `yaml:"transport"`
	NATSURL       string   `yaml:"nats_url"`
	SubjectPrefix string   `yaml:"subject_prefix"`
	AckTimeout    Duration `yaml:"ack_timeout"`
	Supervisor    string   `yaml:"supervisor"`
	Sender        string   `yaml:"sender"`
	PollInterval  Duration `yaml:"poll_interval"`
}

type Hook struct {
	ID     string `yaml:"id"`
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
	// Events filters by event type; empty means every event.
	Events []string `yaml:"events"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration reads Go duration strings such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ContextOf returns the bounded context configured for a module id.
func (c *Config) ContextOf(moduleID string) string {
	for name, ids := range c.Planning.Contexts {
		for _, id := range ids {
			if id == moduleID {
				return name
			}
		}
	}
	return ""
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Planning.RequirementsFile == "" {
		return fmt.Errorf("config.planning.requirements_file is required")
	}
	for _, s := range c.Planning.DefaultSections {
		if s == "" {
			return fmt.Errorf("config.planning.default_sections contains an empty name")
		}
	}
	owner := map[string]string{}
	for name, ids := range c.Planning.Contexts {
		if name == "" {
			return fmt.Errorf("config.planning.contexts has empty context name")
		}
		for _, id := range ids {
			if prev, ok := owner[id]; ok && prev != name {
				return fmt.Errorf("module %s assigned to contexts %s and %s", id, prev, name)
			}
			owner[id] = name
		}
	}
	switch c.Tracker.Kind {
	case "local":
	case "command":
		if len(c.Tracker.Command) == 0 {
			return fmt.Errorf("config.tracker.command is required for tracker kind command")
		}
	default:
		return fmt.Errorf("config.tracker.kind must be 'local' or 'command'")
	}
	switch c.Handoff.Transport {
	case "sqlite":
	case "nats":
		if c.Handoff.NATSURL == "" {
			return fmt.Errorf("config.handoff.nats_url is required for transport nats")
		}
	default:
		return fmt.Errorf("config.handoff.transport must be 'sqlite' or 'nats'")
	}
	if c.Handoff.AckTimeout.Std() <= 0 {
		return fmt.Errorf("config.handoff.ack_timeout must be positive")
	}
	if c.Handoff.Supervisor == "" {
		return fmt.Errorf("config.handoff.supervisor is required")
	}
	for i, h := range c.Webhooks {
		if h.ID == "" || h.URL == "" {
			return fmt.Errorf("config.webhooks[%d] needs id and url", i)
		}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be 'json' or 'console'")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys fall
// back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s

planning:
  requirements_file: USER_REQUIREMENTS.md
  default_sections:
    - Functional Requirements
    - Non-Functional Requirements
    - Architecture Design

tracker:
  kind: local
  labels: []
  timeout: 30s

handoff:
  transport: sqlite
  subject_prefix: planline
  ack_timeout: 30s
  poll_interval: 500ms
  supervisor: orchestrator
  sender: planner

logging:
  level: info
  format: console
`
