package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"teamflow/internal/domain"
)

// Config models teamflow.yml.
type Config struct {
	Board struct {
		Columns []ColumnConfig `yaml:"columns" json:"columns"`
	} `yaml:"board" json:"board"`
	Roles struct {
		// Default is stored on new profiles and used as the global fallback role.
		Default string `yaml:"default" json:"default"`
	} `yaml:"roles" json:"roles"`
	Access struct {
		CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	} `yaml:"access" json:"access"`
	Session struct {
		TTL              time.Duration `yaml:"ttl" json:"ttl"`
		ActivityDebounce time.Duration `yaml:"activity_debounce" json:"activity_debounce"`
	} `yaml:"session" json:"session"`
	Sync struct {
		WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	} `yaml:"sync" json:"sync"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

// ColumnConfig is one kanban column. A WIPLimit of 0 or 999 means unbounded.
type ColumnConfig struct {
	Status   string `yaml:"status" json:"status"`
	Title    string `yaml:"title" json:"title"`
	WIPLimit int    `yaml:"wip_limit" json:"wip_limit"`
	Locked   bool   `yaml:"locked" json:"locked"`
}

// WebhookConfig delivers new notifications to an external URL.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

const maxCacheTTL = 5 * time.Second

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Board.Columns) == 0 {
		return fmt.Errorf("config.board.columns is required")
	}
	seen := map[string]struct{}{}
	for i, col := range c.Board.Columns {
		if strings.TrimSpace(col.Status) == "" {
			return fmt.Errorf("config.board.columns[%d].status is required", i)
		}
		if _, dup := seen[col.Status]; dup {
			return fmt.Errorf("config.board.columns has duplicate status %s", col.Status)
		}
		seen[col.Status] = struct{}{}
		if col.WIPLimit < 0 {
			return fmt.Errorf("column %s has negative wip_limit", col.Status)
		}
	}
	if c.Roles.Default != "" {
		if _, err := domain.ParseRole(c.Roles.Default); err != nil {
			return fmt.Errorf("config.roles.default: %w", err)
		}
	}
	if c.Access.CacheTTL < 0 || c.Access.CacheTTL > maxCacheTTL {
		return fmt.Errorf("config.access.cache_ttl must be between 0 and %s", maxCacheTTL)
	}
	if c.Session.TTL < 0 {
		return fmt.Errorf("config.session.ttl must not be negative")
	}
	if c.Session.ActivityDebounce < 0 {
		return fmt.Errorf("config.session.activity_debounce must not be negative")
	}
	if c.Sync.WriteTimeout < 0 {
		return fmt.Errorf("config.sync.write_timeout must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Statuses returns the configured column statuses in board order.
func (c *Config) Statuses() []string {
	out := make([]string, 0, len(c.Board.Columns))
	for _, col := range c.Board.Columns {
		out = append(out, col.Status)
	}
	return out
}

// HasStatus reports whether status names a configured column.
func (c *Config) HasStatus(status string) bool {
	for _, col := range c.Board.Columns {
		if col.Status == status {
			return true
		}
	}
	return false
}

// DefaultRole is the parsed roles.default, or RoleMember when unset.
func (c *Config) DefaultRole() domain.Role {
	if r, err := domain.ParseRole(c.Roles.Default); err == nil {
		return r
	}
	return domain.RoleMember
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "teamflow.yml")
}

// Load reads teamflow.yml from the workspace, or returns Default when the file is absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(DefaultYAML))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
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

// DefaultYAML is written by `tf config init`.
const DefaultYAML = `board:
  columns:
    - status: todo
      title: To Do
      wip_limit: 999
    - status: in_progress
      title: In Progress
      wip_limit: 5
    - status: review
      title: Review
      wip_limit: 3
    - status: done
      title: Done
      wip_limit: 999
      locked: true

roles:
  default: member

access:
  cache_ttl: 0s

session:
  ttl: 24h
  activity_debounce: 0s

sync:
  write_timeout: 10s
`
