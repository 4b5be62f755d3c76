package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Backend kinds accepted by NewBackend. Each matches the Kind() string of
// the backend it names.
const (
	BackendMemory     = "memory"
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
	BackendAzureBlob  = "azure-blob"
	BackendPostgres   = "postgres"
)

// BackendConfig selects and configures one storage backend. Kind decides
// which of the remaining fields apply.
type BackendConfig struct {
	Kind string `json:"kind" yaml:"kind"`

	// Prefix namespaces keys inside a shared bucket or container
	// (s3, azure-blob).
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Filesystem.
	Root string `json:"root,omitempty" yaml:"root,omitempty"`

	// S3.
	Bucket          string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	UsePathStyle    bool   `json:"use_path_style,omitempty" yaml:"use_path_style,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`

	// Azure Blob Storage.
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty"`
	AccountName      string `json:"account_name,omitempty" yaml:"account_name,omitempty"`
	AccountKey       string `json:"account_key,omitempty" yaml:"account_key,omitempty"`
	ServiceURL       string `json:"service_url,omitempty" yaml:"service_url,omitempty"`
	Container        string `json:"container,omitempty" yaml:"container,omitempty"`

	// Postgres.
	DSN   string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Table string `json:"table,omitempty" yaml:"table,omitempty"`
}

// Config describes a complete checkpoint store: a primary backend, the
// codec applied to payloads, and optional mirrors and fallbacks for
// replication.
type Config struct {
	Backend     BackendConfig `json:"backend" yaml:"backend"`
	Compression string        `json:"compression,omitempty" yaml:"compression,omitempty"`

	// ConflictRetries bounds concurrent-commit retries per save.
	ConflictRetries int `json:"conflict_retries,omitempty" yaml:"conflict_retries,omitempty"`

	// Mirrors receive every save in addition to the primary backend.
	Mirrors []BackendConfig `json:"mirrors,omitempty" yaml:"mirrors,omitempty"`

	// Fallbacks serve loads, in order, when the primary cannot.
	Fallbacks []BackendConfig `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
}

// Validate checks that the configuration names a known backend kind and a
// known codec before any constructor is run.
func (c *Config) Validate() error {
	if err := validateBackendConfig(c.Backend); err != nil {
		return err
	}
	for _, m := range c.Mirrors {
		if err := validateBackendConfig(m); err != nil {
			return fmt.Errorf("mirror: %w", err)
		}
	}
	for _, f := range c.Fallbacks {
		if err := validateBackendConfig(f); err != nil {
			return fmt.Errorf("fallback: %w", err)
		}
	}
	if _, err := CodecByName(c.Compression); err != nil {
		return err
	}
	if c.ConflictRetries < 0 {
		return fmt.Errorf("conflict_retries must not be negative")
	}
	return nil
}

func validateBackendConfig(cfg BackendConfig) error {
	switch cfg.Kind {
	case BackendMemory, BackendFilesystem, BackendS3, BackendAzureBlob, BackendPostgres:
		return nil
	case "":
		return fmt.Errorf("backend kind required")
	default:
		return fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// NewBackend constructs the backend a BackendConfig describes.
func NewBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	switch cfg.Kind {
	case BackendMemory:
		return NewMemoryBackend(), nil
	case BackendFilesystem:
		return NewFileBackend(cfg.Root)
	case BackendS3:
		return NewS3Backend(ctx, S3BackendOptions{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			UsePathStyle:    cfg.UsePathStyle,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
	case BackendAzureBlob:
		return NewAzureBackend(AzureBackendOptions{
			ConnectionString: cfg.ConnectionString,
			AccountName:      cfg.AccountName,
			AccountKey:       cfg.AccountKey,
			ServiceURL:       cfg.ServiceURL,
			Container:        cfg.Container,
			Prefix:           cfg.Prefix,
		})
	case BackendPostgres:
		return NewPostgresBackend(ctx, PostgresBackendOptions{
			DSN:   cfg.DSN,
			Table: cfg.Table,
		})
	case "":
		return nil, fmt.Errorf("backend kind required")
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// NewManagerFromConfig builds a Manager for one backend config, applying
// the config's codec and retry bound.
func NewManagerFromConfig(ctx context.Context, c *Config, cfg BackendConfig, logger *slog.Logger) (*Manager, error) {
	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	codec, err := CodecByName(c.Compression)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return NewManager(ManagerOptions{
		Backend:         backend,
		Codec:           codec,
		Logger:          logger,
		ConflictRetries: c.ConflictRetries,
	})
}

// Build constructs the store the config describes. The Manager is the
// primary backend and is always returned; the Replicator is non-nil only
// when mirrors or fallbacks are configured, and then wraps the primary
// together with them.
func (c *Config) Build(ctx context.Context, logger *slog.Logger) (*Manager, *Replicator, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	primary, err := NewManagerFromConfig(ctx, c, c.Backend, logger)
	if err != nil {
		return nil, nil, err
	}
	if len(c.Mirrors) == 0 && len(c.Fallbacks) == 0 {
		return primary, nil, nil
	}

	destinations := []*Manager{primary}
	sources := []*Manager{primary}
	for _, m := range c.Mirrors {
		mgr, err := NewManagerFromConfig(ctx, c, m, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("mirror: %w", err)
		}
		destinations = append(destinations, mgr)
	}
	for _, f := range c.Fallbacks {
		mgr, err := NewManagerFromConfig(ctx, c, f, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("fallback: %w", err)
		}
		sources = append(sources, mgr)
	}

	replicator, err := NewReplicator(ReplicatorOptions{
		Destinations: destinations,
		Sources:      sources,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return primary, replicator, nil
}

// LoadConfigFile loads a store configuration from a YAML file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadConfigString(string(data))
}

// LoadConfigString loads a store configuration from a YAML string.
func LoadConfigString(data string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
