// Package docker implements the engine.Engine interface using the local
// Docker daemon.  The "instance" is a container that runs the rendered
// boot script as its main process, which makes the full start/wait/stop
// flow testable without a cloud account.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerctl/internal/engine"
	"github.com/terrpan/runnerctl/internal/userdata"
)

const (
	// DefaultImage ships the runner under /home/runner, so it pairs with
	// Script.RunnerHomeDir = "/home/runner".
	DefaultImage = "ghcr.io/actions/actions-runner:latest"

	// DefaultWaitTimeout bounds WaitUntilRunning when Config.WaitTimeout is zero.
	DefaultWaitTimeout = time.Minute
	// DefaultPollInterval is the delay between inspections.
	DefaultPollInterval = time.Second
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image to run the boot script in.
	// Default: ghcr.io/actions/actions-runner:latest
	Image string

	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into the runner container.  This
	// allows workflows to run Docker commands (docker build, docker
	// compose, container actions, etc.).
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon.  Only enable this if you trust the workflows
	// that will run on this runner.
	Dind bool

	// Tags become container labels.
	Tags []engine.Tag

	// WaitTimeout bounds WaitUntilRunning.  Default: 1m.
	WaitTimeout time.Duration

	// PollInterval is the delay between inspections.  Default: 1s.
	PollInterval time.Duration

	// Script configures the boot script.
	Script userdata.Options
}

// Engine manages a GitHub Actions runner as a Docker container.
type Engine struct {
	client *dockerclient.Client
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine, connects to the daemon, and pulls the
// image so it is available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling runner image", slog.String("image", cfg.Image))

	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		pull.Close()
		client.Close()
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		client.Close()
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	logger.Info("runner image ready", slog.String("image", cfg.Image))

	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("runnerctl/engine/docker"),
	}, nil
}

// command wraps the boot script so the container's main process outlives
// a runner started in the background.
func command(script string) []string {
	return []string{"/bin/bash", "-c", script + "\nwait\n"}
}

func containerLabels(tags []engine.Tag) map[string]string {
	labels := map[string]string{"runnerctl.managed": "true"}
	for _, t := range tags {
		labels[t.Key] = t.Value
	}
	return labels
}

// StartInstance creates and starts a container named label that runs the
// boot script.  The returned id is the container id.
func (e *Engine) StartInstance(ctx context.Context, label, token string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.docker.StartInstance")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.label", label),
		attribute.String("docker.image", e.cfg.Image),
	)

	script := userdata.Render(token, label, e.cfg.Script)
	e.logger.Debug("rendered boot script",
		slog.String("label", label),
		slog.String("script", userdata.Redact(script, token)),
	)

	var hostCfg *container.HostConfig
	if e.cfg.Dind {
		hostCfg = &container.HostConfig{
			Binds: []string{"/var/run/docker.sock:/var/run/docker.sock"},
		}
		e.logger.Info("dind enabled: mounting docker socket", slog.String("name", label))
	}

	id, err := e.createAndStart(ctx, label, script, hostCfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start container")
		e.logger.Error("runner container start failed",
			slog.String("name", label),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	span.SetAttributes(attribute.String("docker.container_id", id))
	e.logger.Info("runner container started",
		slog.String("name", label),
		slog.String("containerID", id),
	)
	return id, nil
}

func (e *Engine) createAndStart(ctx context.Context, name, script string, hostCfg *container.HostConfig) (string, error) {
	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  e.cfg.Image,
			User:   "root",
			Cmd:    command(script),
			Labels: containerLabels(e.cfg.Tags),
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", name, err)
	}
	return resp.ID, nil
}

// errNotRunning marks an inspection that should be retried.
var errNotRunning = errors.New("container not running yet")

// WaitUntilRunning polls the container state until it is running, bounded
// by Config.WaitTimeout.  An exited or dead container stops polling.
func (e *Engine) WaitUntilRunning(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.WaitUntilRunning")
	defer span.End()

	span.SetAttributes(attribute.String("docker.container_id", id))

	_, err := backoff.Retry(ctx, func() (bool, error) {
		resp, err := e.client.ContainerInspect(ctx, id)
		if err != nil {
			return false, backoff.Permanent(err)
		}
		if resp.ContainerJSONBase == nil || resp.State == nil {
			return false, errNotRunning
		}
		switch {
		case resp.State.Running:
			return true, nil
		case resp.State.Status == "exited" || resp.State.Status == "dead":
			return false, backoff.Permanent(fmt.Errorf("container %s %s with code %d", id, resp.State.Status, resp.State.ExitCode))
		default:
			return false, fmt.Errorf("%w: %s", errNotRunning, resp.State.Status)
		}
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(e.cfg.PollInterval)),
		backoff.WithMaxElapsedTime(e.cfg.WaitTimeout),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "wait container running")
		e.logger.Error("runner container initialization failed",
			slog.String("containerID", id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("waiting for container %s to run: %w", id, err)
	}

	e.logger.Info("runner container is running", slog.String("containerID", id))
	return nil
}

// TerminateInstance force-removes the container identified by id.
func (e *Engine) TerminateInstance(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.TerminateInstance")
	defer span.End()

	span.SetAttributes(attribute.String("docker.container_id", id))

	e.logger.Info("removing runner container", slog.String("containerID", id))

	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "remove container")
		e.logger.Error("runner container termination failed",
			slog.String("containerID", id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("container remove %s: %w", id, err)
	}

	e.logger.Info("runner container removed", slog.String("containerID", id))
	return nil
}

// Close closes the Docker client.
func (e *Engine) Close() error {
	return e.client.Close()
}
