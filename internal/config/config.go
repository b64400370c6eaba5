package config

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models groundline.yml for a dataset.
type Config struct {
	Dataset struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"dataset"`
	Buckets struct {
		Count int `yaml:"count"`
	} `yaml:"buckets"`
	Claims struct {
		TTLSeconds      int `yaml:"ttl_seconds"`
		OverfetchFactor int `yaml:"overfetch_factor"`
		MaxAttempts     int `yaml:"max_attempts"`
	} `yaml:"claims"`
	Pagination struct {
		DefaultPageSize int `yaml:"default_page_size"`
		MaxPageSize     int `yaml:"max_page_size"`
	} `yaml:"pagination"`
	Approval struct {
		MinReferences int      `yaml:"min_references"`
		RequireAnswer bool     `yaml:"require_answer"`
		RequiredTags  []string `yaml:"required_tags"`
	} `yaml:"approval"`
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
			return nil, fmt.Errorf("config %s not found; import with gl dataset config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Dataset.ID == "" {
		return fmt.Errorf("config.dataset.id is required")
	}
	if c.Dataset.Kind != "annotation-dataset" {
		return fmt.Errorf("config.dataset.kind must be 'annotation-dataset'")
	}
	if c.Buckets.Count <= 0 {
		return fmt.Errorf("config.buckets.count must be positive")
	}
	if c.Claims.TTLSeconds <= 0 {
		return fmt.Errorf("config.claims.ttl_seconds must be positive")
	}
	if c.Claims.OverfetchFactor < 1 {
		return fmt.Errorf("config.claims.overfetch_factor must be at least 1")
	}
	if c.Claims.MaxAttempts < 1 {
		return fmt.Errorf("config.claims.max_attempts must be at least 1")
	}
	if c.Pagination.DefaultPageSize <= 0 || c.Pagination.MaxPageSize <= 0 {
		return fmt.Errorf("config.pagination sizes must be positive")
	}
	if c.Pagination.DefaultPageSize > c.Pagination.MaxPageSize {
		return fmt.Errorf("config.pagination.default_page_size exceeds max_page_size")
	}
	if c.Approval.MinReferences < 0 {
		return fmt.Errorf("config.approval.min_references must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, ev := range hook.Events {
			if ev == "" {
				return fmt.Errorf("webhook %d has empty event type", i)
			}
		}
	}
	return nil
}

// BucketFor maps an item ID to its stable bucket.
func (c *Config) BucketFor(itemID string) int {
	h := fnv.New32a()
	h.Write([]byte(itemID))
	return int(h.Sum32() % uint32(c.Buckets.Count))
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "groundline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(datasetID string) string {
	return fmt.Sprintf(defaultTemplate, datasetID)
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

// Default returns the default Config struct for a dataset.
func Default(datasetID string) *Config {
	var cfg Config
	cfg.Dataset.ID = datasetID
	cfg.Dataset.Kind = "annotation-dataset"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, datasetID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `dataset:
  id: %s
  kind: annotation-dataset

buckets:
  count: 100

claims:
  ttl_seconds: 86400
  overfetch_factor: 3
  max_attempts: 10

pagination:
  default_page_size: 50
  max_page_size: 500

approval:
  min_references: 1
  require_answer: true
  required_tags: []

webhooks: []
`
