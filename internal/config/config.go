// Package config handles loading, validating, and applying
// configuration for runnerctl.  Configuration is read from a YAML file
// and can be overridden by GitHub Action inputs and CLI flags.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/runnerctl/internal/engine"
	"github.com/terrpan/runnerctl/internal/engine/docker"
	"github.com/terrpan/runnerctl/internal/engine/ec2"
	"github.com/terrpan/runnerctl/internal/engine/gcp"
	"github.com/terrpan/runnerctl/internal/github"
	"github.com/terrpan/runnerctl/internal/userdata"
)

// Supported engine types.
const (
	EngineEC2    = "ec2"
	EngineGCP    = "gcp"
	EngineDocker = "docker"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub  GitHubConfig  `yaml:"github"`
	Runner  RunnerConfig  `yaml:"runner"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub
// ---------------------------------------------------------------------------

// GitHubConfig holds the registration URL, credentials, and the
// registration wait tuning.
type GitHubConfig struct {
	// URL is where runners are registered, an organization
	// (https://github.com/org) or a repository
	// (https://github.com/org/repo).
	URL string `yaml:"url"`

	// Token is a personal access token with permission to manage
	// self-hosted runners at URL's scope.
	Token string `yaml:"token"`

	// QuietPeriod is the delay before the first registration check.
	// Default: 30s.  A negative value disables it.
	QuietPeriod time.Duration `yaml:"quiet_period"`

	// PollInterval is the delay between registration checks.  Default: 10s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// RegistrationTimeout bounds the registration wait.  Default: 5m.
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// RunnerConfig shapes the boot script.
type RunnerConfig struct {
	// Label names the runner and is its only label.  Empty generates
	// runner-xxxxxxxx on start.
	Label string `yaml:"label"`

	// HomeDir is a pre-installed runner directory on the image.  When set
	// the boot script skips the download.
	HomeDir string `yaml:"home_dir"`

	// PreScript is shell text run before the runner is configured.
	PreScript string `yaml:"pre_script"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the compute backend.
type EngineConfig struct {
	// Type selects the compute backend: "ec2", "gcp" or "docker".
	// Default: "ec2".
	Type string `yaml:"type"`

	// Tags are applied to the instance by every backend (EC2 tags, GCE
	// labels, container labels).
	Tags []engine.Tag `yaml:"tags"`

	// WaitTimeout bounds the wait for the instance to run.  Zero keeps
	// the backend's default.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	EC2    EC2EngineConfig    `yaml:"ec2"`
	GCP    GCPEngineConfig    `yaml:"gcp"`
	Docker DockerEngineConfig `yaml:"docker"`
}

// EC2EngineConfig holds AWS EC2 settings.  Credentials come from the AWS
// SDK default chain (environment, shared config, instance role).
type EC2EngineConfig struct {
	// Region is the AWS region.  Empty falls back to AWS_REGION.
	Region string `yaml:"region"`

	ImageID         string `yaml:"image_id"`
	InstanceType    string `yaml:"instance_type"`
	SubnetID        string `yaml:"subnet_id"`
	SecurityGroupID string `yaml:"security_group_id"`

	// IAMRoleName is the instance profile name (optional).
	IAMRoleName string `yaml:"iam_role_name"`

	// HostID places the instance on a dedicated host (optional).
	HostID string `yaml:"host_id"`

	// PollInterval is the delay between instance state checks while
	// waiting for the instance to run.  Zero keeps the AWS SDK waiter's
	// backoff.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// GCPEngineConfig holds GCP Compute Engine settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPEngineConfig struct {
	// Project is the GCP project ID (required when engine.type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for runner VMs (required).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type.  Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the runner image (required).
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether runner VMs get an external IP address.
	// Default: true.  A *bool distinguishes "not set" from false.
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the service account email to attach (optional).
	ServiceAccount string `yaml:"service_account"`

	// HostID pins the VM to a sole-tenant node (optional).
	HostID string `yaml:"host_id"`
}

// DockerEngineConfig holds Docker-specific engine settings.
type DockerEngineConfig struct {
	// Image is the container image for the runner.
	// Default: "ghcr.io/actions/actions-runner:latest"
	Image string `yaml:"image"`
	// Dind bind-mounts the host's Docker socket into the container.
	Dind bool `yaml:"dind"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled turns on OTLP push of traces and metrics.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout.
	StdOut bool `yaml:"stdout"`

	// MetricsAddr, when set, serves /healthz and /metrics on this
	// address (e.g. ":9090") while runnerctl runs.
	MetricsAddr string `yaml:"metrics_addr"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// An empty path or a missing file yields a zero Config which must be
// filled via inputs and flags before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ParseTags decodes a tag list given inline, either as a YAML list of
// key/value maps or as a JSON array of {"Key": ..., "Value": ...}
// objects.
func ParseTags(s string) ([]engine.Tag, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var raw []map[string]string
	if err := yaml.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("parsing tags: %w", err)
	}

	tags := make([]engine.Tag, 0, len(raw))
	for i, m := range raw {
		var t engine.Tag
		for k, v := range m {
			switch strings.ToLower(k) {
			case "key":
				t.Key = v
			case "value":
				t.Value = v
			default:
				return nil, fmt.Errorf("parsing tags: entry %d: unknown field %q", i, k)
			}
		}
		tags = append(tags, t)
	}
	return tags, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.GitHub.QuietPeriod == 0 {
		c.GitHub.QuietPeriod = 30 * time.Second
	}
	if c.GitHub.PollInterval == 0 {
		c.GitHub.PollInterval = github.DefaultPollInterval
	}
	if c.GitHub.RegistrationTimeout == 0 {
		c.GitHub.RegistrationTimeout = github.DefaultRegistrationTimeout
	}
	if c.Engine.Type == "" {
		c.Engine.Type = EngineEC2
	}
	if c.Engine.Docker.Image == "" {
		c.Engine.Docker.Image = docker.DefaultImage
	}
	if c.Engine.GCP.MachineType == "" {
		c.Engine.GCP.MachineType = "e2-medium"
	}
	if c.Engine.GCP.DiskSizeGB == 0 {
		c.Engine.GCP.DiskSizeGB = 50
	}
	if c.Engine.GCP.PublicIP == nil {
		t := true
		c.Engine.GCP.PublicIP = &t
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that the fields needed to start a runner are present
// and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if err := c.validateCommon(); err != nil {
		return err
	}

	switch c.Engine.Type {
	case EngineEC2:
		required := []struct{ name, value string }{
			{"engine.ec2.image_id", c.Engine.EC2.ImageID},
			{"engine.ec2.instance_type", c.Engine.EC2.InstanceType},
			{"engine.ec2.subnet_id", c.Engine.EC2.SubnetID},
			{"engine.ec2.security_group_id", c.Engine.EC2.SecurityGroupID},
		}
		for _, r := range required {
			if r.value == "" {
				return fmt.Errorf("%s is required when engine.type is %q", r.name, EngineEC2)
			}
		}
		if c.Engine.EC2.PollInterval < 0 {
			return fmt.Errorf("engine.ec2.poll_interval must not be negative")
		}
	case EngineGCP:
		if c.Engine.GCP.Project == "" {
			return fmt.Errorf("engine.gcp.project is required when engine.type is %q", EngineGCP)
		}
		if c.Engine.GCP.Zone == "" {
			return fmt.Errorf("engine.gcp.zone is required when engine.type is %q", EngineGCP)
		}
		if c.Engine.GCP.Image == "" {
			return fmt.Errorf("engine.gcp.image is required when engine.type is %q", EngineGCP)
		}
	case EngineDocker:
		// OK
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: ec2, gcp, docker)", c.Engine.Type)
	}

	return nil
}

// ValidateStop checks only what tearing a runner down needs: the GitHub
// connection and the engine's location.  Launch parameters such as the
// image are not required.
func (c *Config) ValidateStop() error {
	c.ApplyDefaults()

	if err := c.validateCommon(); err != nil {
		return err
	}

	switch c.Engine.Type {
	case EngineEC2, EngineDocker:
		return nil
	case EngineGCP:
		if c.Engine.GCP.Project == "" || c.Engine.GCP.Zone == "" {
			return fmt.Errorf("engine.gcp.project and engine.gcp.zone are required when engine.type is %q", EngineGCP)
		}
		return nil
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: ec2, gcp, docker)", c.Engine.Type)
	}
}

func (c *Config) validateCommon() error {
	if _, err := url.ParseRequestURI(c.GitHub.URL); err != nil {
		return fmt.Errorf("github.url: invalid URL %q: %w", c.GitHub.URL, err)
	}
	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token is required")
	}
	for i, t := range c.Engine.Tags {
		if strings.TrimSpace(t.Key) == "" {
			return fmt.Errorf("engine.tags[%d]: key is empty", i)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration that
// writes to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ScriptOptions returns the boot script options shared by all engines.
func (c *Config) ScriptOptions() userdata.Options {
	return userdata.Options{
		URL:           c.GitHub.URL,
		RunnerHomeDir: c.Runner.HomeDir,
		PreScript:     c.Runner.PreScript,
	}
}

// GitHubClientConfig returns the settings for the GitHub client.
func (c *Config) GitHubClientConfig() github.Config {
	return github.Config{
		URL:                 c.GitHub.URL,
		Token:               c.GitHub.Token,
		QuietPeriod:         c.GitHub.QuietPeriod,
		PollInterval:        c.GitHub.PollInterval,
		RegistrationTimeout: c.GitHub.RegistrationTimeout,
	}
}

// NewGitHubClient creates the GitHub runner API client.
func (c *Config) NewGitHubClient(logger *slog.Logger) (*github.Client, error) {
	return github.New(c.GitHubClientConfig(), logger.WithGroup("github"))
}

// EC2Config returns the settings for the EC2 engine.
func (c *Config) EC2Config() ec2.Config {
	return ec2.Config{
		Region:          c.Engine.EC2.Region,
		ImageID:         c.Engine.EC2.ImageID,
		InstanceType:    c.Engine.EC2.InstanceType,
		SubnetID:        c.Engine.EC2.SubnetID,
		SecurityGroupID: c.Engine.EC2.SecurityGroupID,
		IAMRoleName:     c.Engine.EC2.IAMRoleName,
		HostID:          c.Engine.EC2.HostID,
		Tags:            c.Engine.Tags,
		WaitTimeout:     c.Engine.WaitTimeout,
		PollInterval:    c.Engine.EC2.PollInterval,
		Script:          c.ScriptOptions(),
	}
}

// GCPConfig returns the settings for the GCP engine.
func (c *Config) GCPConfig() gcp.Config {
	publicIP := true
	if c.Engine.GCP.PublicIP != nil {
		publicIP = *c.Engine.GCP.PublicIP
	}
	return gcp.Config{
		Project:        c.Engine.GCP.Project,
		Zone:           c.Engine.GCP.Zone,
		MachineType:    c.Engine.GCP.MachineType,
		Image:          c.Engine.GCP.Image,
		DiskSizeGB:     c.Engine.GCP.DiskSizeGB,
		Network:        c.Engine.GCP.Network,
		Subnet:         c.Engine.GCP.Subnet,
		PublicIP:       publicIP,
		ServiceAccount: c.Engine.GCP.ServiceAccount,
		HostID:         c.Engine.GCP.HostID,
		Tags:           c.Engine.Tags,
		WaitTimeout:    c.Engine.WaitTimeout,
		Script:         c.ScriptOptions(),
	}
}

// DockerConfig returns the settings for the Docker engine.
func (c *Config) DockerConfig() docker.Config {
	return docker.Config{
		Image:       c.Engine.Docker.Image,
		Dind:        c.Engine.Docker.Dind,
		Tags:        c.Engine.Tags,
		WaitTimeout: c.Engine.WaitTimeout,
		Script:      c.ScriptOptions(),
	}
}

// NewEngine creates the compute engine selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case EngineEC2:
		return ec2.New(ctx, c.EC2Config(), logger.WithGroup("engine.ec2"))
	case EngineGCP:
		return gcp.New(ctx, c.GCPConfig(), logger.WithGroup("engine.gcp"))
	case EngineDocker:
		return docker.New(ctx, c.DockerConfig(), logger.WithGroup("engine.docker"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}
