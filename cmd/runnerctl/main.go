package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/terrpan/runnerctl/internal/action"
	"github.com/terrpan/runnerctl/internal/buildinfo"
	"github.com/terrpan/runnerctl/internal/config"
	"github.com/terrpan/runnerctl/internal/engine"
	"github.com/terrpan/runnerctl/internal/health"
	"github.com/terrpan/runnerctl/internal/lifecycle"
	"github.com/terrpan/runnerctl/internal/otel"
	"github.com/terrpan/runnerctl/internal/userdata"
)

var (
	cfgPath       string
	flagOverrides config.Config
	flagTags      string

	stopOnFailure bool

	stopLabel      string
	stopInstanceID string

	renderToken  string
	renderEncode bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runnerctl",
	Short: "Launch and tear down ephemeral self-hosted GitHub Actions runners",
	Long: `runnerctl starts a cloud instance that boots a self-hosted GitHub
Actions runner, waits until the runner is online, and later terminates
the instance and removes the runner registration.

Configuration is read from a YAML file (--config), then from GitHub
Action step inputs when running as an action, then from CLI flags.`,
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch an instance and wait for its runner to come online",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return runStart(ctx, cmd.OutOrStdout(), nil)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Terminate an instance and remove its runner registration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return runStop(ctx, cmd.OutOrStdout(), nil, stopLabel, stopInstanceID)
	},
}

var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "Run as a GitHub Actions step (mode input: start or stop)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return runAction(ctx, cmd.OutOrStdout(), action.New())
	},
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the boot script an instance would receive",
	Long: `render prints the boot script for the configured runner without
contacting GitHub or the cloud provider.  The registration token is a
placeholder unless --token-value is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRender(cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "runnerctl %s\n", buildinfo.String())
	},
}

func init() {
	pf := rootCmd.PersistentFlags()

	// Config file
	pf.StringVar(&cfgPath, "config", "runnerctl.yaml", "Path to YAML configuration file")

	// GitHub overrides
	pf.StringVar(&flagOverrides.GitHub.URL, "url", "", "GitHub URL to register runners at (https://github.com/org or https://github.com/org/repo)")
	pf.StringVar(&flagOverrides.GitHub.Token, "token", "", "Token allowed to manage self-hosted runners")

	// Engine overrides
	pf.StringVar(&flagOverrides.Engine.Type, "engine", "", "Compute engine (ec2, gcp, docker)")
	pf.StringVar(&flagOverrides.Engine.EC2.Region, "region", "", "AWS region")

	// Logging / diagnostics overrides
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
	pf.StringVar(&flagOverrides.OTel.MetricsAddr, "metrics-addr", "", "Serve /healthz and /metrics on this address (e.g. :9090)")

	// Launch parameters, shared by start and render
	for _, cmd := range []*cobra.Command{startCmd, renderCmd} {
		f := cmd.Flags()
		f.StringVar(&flagOverrides.Runner.Label, "label", "", "Runner name and label (default: generated runner-xxxxxxxx)")
		f.StringVar(&flagOverrides.Runner.HomeDir, "runner-home-dir", "", "Pre-installed runner directory on the image")
		f.StringVar(&flagOverrides.Runner.PreScript, "pre-script", "", "Shell text run before the runner is configured")
	}

	f := startCmd.Flags()
	f.StringVar(&flagOverrides.Engine.EC2.ImageID, "image-id", "", "EC2 AMI id")
	f.StringVar(&flagOverrides.Engine.EC2.InstanceType, "instance-type", "", "EC2 instance type")
	f.StringVar(&flagOverrides.Engine.EC2.SubnetID, "subnet-id", "", "EC2 subnet id")
	f.StringVar(&flagOverrides.Engine.EC2.SecurityGroupID, "security-group-id", "", "EC2 security group id")
	f.StringVar(&flagOverrides.Engine.EC2.IAMRoleName, "iam-role-name", "", "EC2 instance profile name")
	f.StringVar(&flagOverrides.Engine.EC2.HostID, "host-id", "", "EC2 dedicated host id")
	f.StringVar(&flagTags, "tags", "", `Instance tags as JSON ([{"Key":"k","Value":"v"}]) or YAML`)
	f.BoolVar(&stopOnFailure, "stop-on-failure", false, "Terminate the instance and remove the runner if start fails after launch")

	f = stopCmd.Flags()
	f.StringVar(&stopLabel, "label", "", "Runner label to remove")
	f.StringVar(&stopInstanceID, "instance-id", "", "Instance id to terminate")

	f = renderCmd.Flags()
	f.StringVar(&renderToken, "token-value", "REGISTRATION_TOKEN", "Registration token to embed")
	f.BoolVar(&renderEncode, "base64", false, "Print the script base64-encoded, as sent to EC2")

	rootCmd.AddCommand(startCmd, stopCmd, actionCmd, renderCmd, versionCmd)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) error {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	set(&cfg.GitHub.URL, flagOverrides.GitHub.URL)
	set(&cfg.GitHub.Token, flagOverrides.GitHub.Token)
	set(&cfg.Runner.Label, flagOverrides.Runner.Label)
	set(&cfg.Runner.HomeDir, flagOverrides.Runner.HomeDir)
	set(&cfg.Runner.PreScript, flagOverrides.Runner.PreScript)
	set(&cfg.Engine.Type, flagOverrides.Engine.Type)
	set(&cfg.Engine.EC2.Region, flagOverrides.Engine.EC2.Region)
	set(&cfg.Engine.EC2.ImageID, flagOverrides.Engine.EC2.ImageID)
	set(&cfg.Engine.EC2.InstanceType, flagOverrides.Engine.EC2.InstanceType)
	set(&cfg.Engine.EC2.SubnetID, flagOverrides.Engine.EC2.SubnetID)
	set(&cfg.Engine.EC2.SecurityGroupID, flagOverrides.Engine.EC2.SecurityGroupID)
	set(&cfg.Engine.EC2.IAMRoleName, flagOverrides.Engine.EC2.IAMRoleName)
	set(&cfg.Engine.EC2.HostID, flagOverrides.Engine.EC2.HostID)
	set(&cfg.Logging.Level, flagOverrides.Logging.Level)
	set(&cfg.Logging.Format, flagOverrides.Logging.Format)
	set(&cfg.OTel.MetricsAddr, flagOverrides.OTel.MetricsAddr)

	if flagTags != "" {
		tags, err := config.ParseTags(flagTags)
		if err != nil {
			return fmt.Errorf("--tags: %w", err)
		}
		cfg.Engine.Tags = tags
	}
	return nil
}

// loadConfig reads the config file, then overlays action inputs (when
// act is set) and CLI flags.
func loadConfig(act *action.Action) (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if act != nil {
		if err := act.Apply(cfg); err != nil {
			return nil, err
		}
	}
	if err := applyFlagOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newEngine builds the compute engine for a session.  Tests replace it.
var newEngine = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Engine, error) {
	return cfg.NewEngine(ctx, logger)
}

// session holds everything one start or stop invocation needs.
type session struct {
	logger  *slog.Logger
	status  *health.Status
	engine  engine.Engine
	manager *lifecycle.Manager

	closers []func(context.Context) error
}

func newSession(ctx context.Context, cfg *config.Config, onToken func(string)) (s *session, err error) {
	s = &session{
		logger: cfg.NewLogger(os.Stderr),
		status: health.NewStatus(cfg.Engine.Type),
	}
	defer func() {
		if err != nil {
			s.Close(context.WithoutCancel(ctx))
		}
	}()

	s.logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("engine", cfg.Engine.Type),
		slog.String("url", cfg.GitHub.URL),
		slog.String("version", buildinfo.Version),
	)

	// ---------------------------------------------------------------
	// Telemetry + diagnostics server
	// ---------------------------------------------------------------
	otelCfg := otel.Config{
		Enabled:  cfg.OTel.Enabled,
		Endpoint: cfg.OTel.Endpoint,
		Insecure: cfg.OTel.Insecure,
		StdOut:   cfg.OTel.StdOut,
	}
	var reg *prometheus.Registry
	if cfg.OTel.MetricsAddr != "" {
		reg = newRegistry()
		otelCfg.Prometheus = reg
	}

	otelShutdown, err := otel.SetupOTelSDK(ctx, "runnerctl", otelCfg)
	if err != nil {
		return s, fmt.Errorf("setting up telemetry: %w", err)
	}
	s.closers = append(s.closers, otelShutdown)

	if reg != nil {
		srvShutdown, err := startDiagnostics(cfg.OTel.MetricsAddr, reg, s.status, s.logger)
		if err != nil {
			return s, err
		}
		s.closers = append(s.closers, srvShutdown)
	}

	// ---------------------------------------------------------------
	// GitHub client + compute engine
	// ---------------------------------------------------------------
	gh, err := cfg.NewGitHubClient(s.logger)
	if err != nil {
		return s, fmt.Errorf("creating github client: %w", err)
	}

	s.engine, err = newEngine(ctx, cfg, s.logger)
	if err != nil {
		return s, fmt.Errorf("initializing engine: %w", err)
	}
	s.closers = append(s.closers, func(context.Context) error { return s.engine.Close() })

	s.manager = lifecycle.New(lifecycle.Config{
		Engine:    s.engine,
		Registrar: gh,
		Logger:    s.logger.WithGroup("lifecycle"),
		Label:     cfg.Runner.Label,
		OnToken:   onToken,
	})
	return s, nil
}

// Close releases resources in reverse order of creation.
func (s *session) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}
	s.closers = nil
}

func runStart(ctx context.Context, out io.Writer, act *action.Action) error {
	cfg, err := loadConfig(act)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var onToken func(string)
	if act != nil {
		act.Mask(cfg.GitHub.Token)
		onToken = act.Mask
	}

	s, err := newSession(ctx, cfg, onToken)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	s.status.Set(health.PhaseStarting, cfg.Runner.Label, "")

	res, err := s.manager.Start(ctx)
	if act != nil {
		act.SetOutputs(res)
	}
	if err != nil {
		s.status.Fail(err)
		if stopOnFailure && res.InstanceID != "" {
			s.logger.Warn("start failed, stopping runner",
				slog.String("label", res.Label),
				slog.String("instance_id", res.InstanceID),
			)
			if stopErr := s.manager.Stop(context.WithoutCancel(ctx), res.Label, res.InstanceID); stopErr != nil {
				err = errors.Join(err, stopErr)
			}
		}
		return err
	}

	s.status.Set(health.PhaseOnline, res.Label, res.InstanceID)
	fmt.Fprintf(out, "label=%s\ninstance-id=%s\n", res.Label, res.InstanceID)
	return nil
}

func runStop(ctx context.Context, out io.Writer, act *action.Action, label, instanceID string) error {
	if label == "" && instanceID == "" {
		return fmt.Errorf("--label or --instance-id is required")
	}

	cfg, err := loadConfig(act)
	if err != nil {
		return err
	}
	if err := cfg.ValidateStop(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if act != nil {
		act.Mask(cfg.GitHub.Token)
	}

	s, err := newSession(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	s.status.Set(health.PhaseStopping, label, instanceID)

	if err := s.manager.Stop(ctx, label, instanceID); err != nil {
		s.status.Fail(err)
		return err
	}

	s.status.Set(health.PhaseStopped, label, instanceID)
	fmt.Fprintf(out, "stopped label=%s instance-id=%s\n", label, instanceID)
	return nil
}

func runAction(ctx context.Context, out io.Writer, act *action.Action) error {
	mode, err := act.Mode()
	if err != nil {
		return err
	}

	switch mode {
	case action.ModeStart:
		return runStart(ctx, out, act)
	default:
		label, instanceID, err := act.StopTarget()
		if err != nil {
			return err
		}
		return runStop(ctx, out, act, label, instanceID)
	}
}

func runRender(out io.Writer) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	cfg.ApplyDefaults()

	label := cfg.Runner.Label
	if label == "" {
		label = lifecycle.NewLabel()
	}

	script := userdata.Render(renderToken, label, cfg.ScriptOptions())
	if renderEncode {
		script = userdata.Encode(script)
	}

	_, err = fmt.Fprintln(out, script)
	return err
}
