package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/vmpool/vmpool/pkg/engine"
	"github.com/vmpool/vmpool/pkg/telemetry"
)

// DefaultPath is where the service looks for its configuration file.
const DefaultPath = "/etc/vmpool/config.yaml"

// Config is the service configuration.
type Config struct {
	// Listen is the HTTP API listen address.
	Listen string `yaml:"listen" validate:"required"`

	Store     StoreConfig     `yaml:"store"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Naming    NamingConfig    `yaml:"naming"`
	Retry     RetryConfig     `yaml:"retry"`
	NetBox    NetBoxConfig    `yaml:"netbox"`
	Runner    RunnerConfig    `yaml:"runner"`
	Policy    PolicyConfig    `yaml:"policy"`

	// Environments maps an environment tag to its placement.
	Environments map[string]Placement `yaml:"environments" validate:"required,min=1,dive"`

	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StoreConfig configures the SQLite state store.
type StoreConfig struct {
	Path        string        `yaml:"path" validate:"required"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// WorkspaceConfig configures where workspaces are written and which module
// they reference.
type WorkspaceConfig struct {
	Root          string `yaml:"root" validate:"required"`
	ModuleSource  string `yaml:"module_source" validate:"required"`
	ModuleVersion string `yaml:"module_version" validate:"required"`
}

// NamingConfig bounds generated VM names.
type NamingConfig struct {
	// MaxNumber is the largest sequence number a name may carry.
	MaxNumber int `yaml:"max_number" validate:"min=1"`
}

// RetryConfig holds the backoff policies of the retried external calls.
type RetryConfig struct {
	Allocator engine.RetryPolicy `yaml:"allocator"`
	Plan      engine.RetryPolicy `yaml:"plan"`
}

// NetBoxConfig configures the IP allocator.
type NetBoxConfig struct {
	URL     string        `yaml:"url" validate:"required,url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`

	// Tenant and Role are copied onto every claimed address.
	Tenant int    `yaml:"tenant"`
	Role   string `yaml:"role"`
}

// RunnerConfig selects and configures the plan/apply backend.
type RunnerConfig struct {
	Backend string        `yaml:"backend" validate:"oneof=atlantis command"`
	Timeout time.Duration `yaml:"timeout"`

	Atlantis AtlantisConfig `yaml:"atlantis"`
	Command  CommandConfig  `yaml:"command"`
}

// AtlantisConfig configures the Atlantis API backend.
type AtlantisConfig struct {
	URL   string `yaml:"url" validate:"omitempty,url"`
	Token string `yaml:"token"`

	// Repository and Ref identify the pull request Atlantis plans against.
	Repository string `yaml:"repository"`
	Ref        string `yaml:"ref"`
	Type       string `yaml:"type"`

	// DirPrefix is where the workspace root is checked in within the repository.
	DirPrefix string `yaml:"dir_prefix"`

	// Git is the local clone workspaces are committed to and pushed from, so
	// Atlantis finds them at Ref.
	Git GitConfig `yaml:"git"`
}

// GitConfig configures the repository checkout behind the Atlantis backend.
type GitConfig struct {
	Checkout    string `yaml:"checkout"`
	Remote      string `yaml:"remote"`
	Username    string `yaml:"username"`
	Token       string `yaml:"token"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// CommandConfig configures the terraform CLI backend.
type CommandConfig struct {
	Binary string `yaml:"binary"`

	// Host, when set, runs terraform on a remote runner host over SSH.
	Host *HostConfig `yaml:"host"`
}

// HostConfig describes the remote runner host.
type HostConfig struct {
	Address        string        `yaml:"address" validate:"required"`
	Port           int           `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User           string        `yaml:"user" validate:"required"`
	KeyPath        string        `yaml:"key_path"`
	Password       string        `yaml:"password"`
	KnownHostsPath string        `yaml:"known_hosts_path"`
	RemoteRoot     string        `yaml:"remote_root" validate:"required"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// PolicyConfig configures the local plan gate.
type PolicyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths" validate:"required_if=Enabled true"`

	// Watch reloads policies when files under Paths change.
	Watch bool `yaml:"watch"`
}

// Placement holds the vSphere placement and network context of an environment.
type Placement struct {
	ResourcePoolID     string `yaml:"resource_pool_id" validate:"required"`
	DatastoreID        string `yaml:"datastore_id" validate:"required_without=DatastoreClusterID,excluded_with=DatastoreClusterID"`
	DatastoreClusterID string `yaml:"datastore_cluster_id"`
	NetworkID          string `yaml:"network_id" validate:"required"`
	TemplateUUID       string `yaml:"template_uuid" validate:"required"`
	GuestID            string `yaml:"guest_id" validate:"required"`
	AdapterType        string `yaml:"adapter_type" validate:"required"`

	// PrefixID is the NetBox prefix addresses are drawn from.
	PrefixID  int    `yaml:"prefix_id" validate:"min=1"`
	DNSDomain string `yaml:"dns_domain"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Store: StoreConfig{
			Path:        "/var/lib/vmpool/vmpool.db",
			BusyTimeout: 5 * time.Second,
		},
		Workspace: WorkspaceConfig{
			Root: "/var/lib/vmpool/workspaces",
		},
		Naming: NamingConfig{MaxNumber: 99999},
		Retry: RetryConfig{
			Allocator: engine.DefaultRetryPolicy(),
			Plan:      engine.DefaultRetryPolicy(),
		},
		NetBox: NetBoxConfig{
			Timeout: 30 * time.Second,
		},
		Runner: RunnerConfig{
			Backend: "atlantis",
			Timeout: 60 * time.Minute,
			Atlantis: AtlantisConfig{
				Ref:  "main",
				Type: "Github",
			},
			Command: CommandConfig{Binary: "terraform"},
		},
		Environments: map[string]Placement{},
		Telemetry:    *telemetry.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	expandEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv resolves ${VAR} references in secrets so tokens can stay out of
// the file.
func expandEnv(cfg *Config) {
	cfg.NetBox.Token = os.ExpandEnv(cfg.NetBox.Token)
	cfg.Runner.Atlantis.Token = os.ExpandEnv(cfg.Runner.Atlantis.Token)
	cfg.Runner.Atlantis.Git.Token = os.ExpandEnv(cfg.Runner.Atlantis.Git.Token)
	if cfg.Runner.Command.Host != nil {
		cfg.Runner.Command.Host.Password = os.ExpandEnv(cfg.Runner.Command.Host.Password)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Runner.Backend == "atlantis" {
		if err := c.validateAtlantis(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	for name, policy := range map[string]engine.RetryPolicy{
		"retry.allocator": c.Retry.Allocator,
		"retry.plan":      c.Retry.Plan,
	} {
		if policy.Attempts < 1 {
			return fmt.Errorf("invalid configuration: %s.attempts must be at least 1", name)
		}
		if policy.Multiplier < 1 {
			return fmt.Errorf("invalid configuration: %s.multiplier must be at least 1", name)
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// validateAtlantis requires the workspace root to be the DirPrefix directory
// of the git checkout, which is what Atlantis plans from.
func (c *Config) validateAtlantis() error {
	a := c.Runner.Atlantis
	if a.URL == "" {
		return fmt.Errorf("runner.atlantis.url is required for the atlantis backend")
	}
	if a.Repository == "" {
		return fmt.Errorf("runner.atlantis.repository is required for the atlantis backend")
	}
	if a.Ref == "" {
		return fmt.Errorf("runner.atlantis.ref is required for the atlantis backend")
	}
	if a.Git.Checkout == "" {
		return fmt.Errorf("runner.atlantis.git.checkout is required for the atlantis backend")
	}
	want := filepath.Join(a.Git.Checkout, filepath.FromSlash(a.DirPrefix))
	if filepath.Clean(c.Workspace.Root) != want {
		return fmt.Errorf("workspace.root %s must be %s, the dir_prefix inside runner.atlantis.git.checkout",
			c.Workspace.Root, want)
	}
	return nil
}

// Placement returns the placement of an environment tag.
func (c *Config) Placement(environment string) (Placement, bool) {
	p, ok := c.Environments[environment]
	return p, ok
}
