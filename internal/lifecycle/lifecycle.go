// Package lifecycle drives a single ephemeral runner through its life:
// obtain a registration token, launch an instance that boots the runner,
// wait for the instance and the runner registration, and later tear both
// down again.  It is provider-agnostic and talks to the compute backend
// only through engine.Engine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerctl/internal/engine"
)

// Registrar is the coordinating-service side of the runner lifecycle.
// *github.Client implements it.
type Registrar interface {
	RegistrationToken(ctx context.Context) (string, error)
	WaitForRunnerOnline(ctx context.Context, label string) error
	RemoveRunner(ctx context.Context, label string) error
}

// Config holds the collaborators of a Manager.
type Config struct {
	Engine    engine.Engine
	Registrar Registrar
	Logger    *slog.Logger

	// Label names the runner.  Empty means generate one per Start.
	Label string

	// OnToken, when set, is called with every registration token before it
	// is used, so callers can mask it in their output.
	OnToken func(token string)
}

// Result describes a started runner.  A failed Start may return a partial
// Result: InstanceID is set once the instance has been launched.
type Result struct {
	Label      string
	InstanceID string
}

// Manager starts and stops runners.
type Manager struct {
	engine    engine.Engine
	registrar Registrar
	label     string
	onToken   func(string)
	logger    *slog.Logger

	tracer trace.Tracer
	meter  metric.Meter

	instancesStarted    metric.Int64Counter
	instancesTerminated metric.Int64Counter
	failures            metric.Int64Counter
	startupDuration     metric.Float64Histogram
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &Manager{
		engine:    cfg.Engine,
		registrar: cfg.Registrar,
		label:     cfg.Label,
		onToken:   cfg.OnToken,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("runnerctl/lifecycle"),
		meter:     otel.Meter("runnerctl/lifecycle"),
	}

	// Instrument creation errors are logged but not fatal.
	var err error
	m.instancesStarted, err = m.meter.Int64Counter(
		"runnerctl.instances.started",
		metric.WithDescription("Total number of runner instances launched"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instancesStarted counter", slog.String("error", err.Error()))
	}

	m.instancesTerminated, err = m.meter.Int64Counter(
		"runnerctl.instances.terminated",
		metric.WithDescription("Total number of runner instances terminated"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instancesTerminated counter", slog.String("error", err.Error()))
	}

	m.failures, err = m.meter.Int64Counter(
		"runnerctl.failures",
		metric.WithDescription("Total number of failed lifecycle steps"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create failures counter", slog.String("error", err.Error()))
	}

	m.startupDuration, err = m.meter.Float64Histogram(
		"runnerctl.runner.startup.duration",
		metric.WithDescription("Time from launch request until the runner is online (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 120, 180, 300, 600),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create startupDuration histogram", slog.String("error", err.Error()))
	}

	return m
}

// NewLabel returns a fresh runner label of the form runner-xxxxxxxx.
func NewLabel() string {
	return fmt.Sprintf("runner-%s", uuid.NewString()[:8])
}

// Start launches a runner and blocks until it is online.
func (m *Manager) Start(ctx context.Context) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Start")
	defer span.End()

	startTime := time.Now()

	res := Result{Label: m.label}
	if res.Label == "" {
		res.Label = NewLabel()
	}
	span.SetAttributes(attribute.String("runner.label", res.Label))

	logger := m.logger.With(slog.String("label", res.Label))
	logger.Info("starting runner")

	token, err := m.registrar.RegistrationToken(ctx)
	if err != nil {
		return res, m.fail(ctx, span, "registration_token", err)
	}
	if m.onToken != nil {
		m.onToken(token)
	}

	res.InstanceID, err = m.engine.StartInstance(ctx, res.Label, token)
	if err != nil {
		return res, m.fail(ctx, span, "start_instance", fmt.Errorf("start instance for %s: %w", res.Label, err))
	}
	span.SetAttributes(attribute.String("instance.id", res.InstanceID))
	if m.instancesStarted != nil {
		m.instancesStarted.Add(ctx, 1)
	}
	logger.Info("instance launched", slog.String("instance_id", res.InstanceID))

	if err := m.engine.WaitUntilRunning(ctx, res.InstanceID); err != nil {
		return res, m.fail(ctx, span, "wait_running", err)
	}

	if err := m.registrar.WaitForRunnerOnline(ctx, res.Label); err != nil {
		return res, m.fail(ctx, span, "wait_online", err)
	}

	if m.startupDuration != nil {
		m.startupDuration.Record(ctx, time.Since(startTime).Seconds())
	}

	logger.Info("runner started",
		slog.String("instance_id", res.InstanceID),
		slog.Duration("elapsed", time.Since(startTime)),
	)
	return res, nil
}

// Stop terminates the instance and removes the runner registration.  Both
// steps are always attempted; their errors are joined.
func (m *Manager) Stop(ctx context.Context, label, instanceID string) error {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Stop")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.label", label),
		attribute.String("instance.id", instanceID),
	)

	logger := m.logger.With(slog.String("label", label), slog.String("instance_id", instanceID))
	logger.Info("stopping runner")

	var errs []error

	if instanceID == "" {
		logger.Warn("no instance id given, skipping termination")
	} else if err := m.engine.TerminateInstance(ctx, instanceID); err != nil {
		errs = append(errs, m.fail(ctx, span, "terminate_instance", err))
	} else if m.instancesTerminated != nil {
		m.instancesTerminated.Add(ctx, 1)
	}

	if label == "" {
		logger.Warn("no label given, skipping runner removal")
	} else if err := m.registrar.RemoveRunner(ctx, label); err != nil {
		errs = append(errs, m.fail(ctx, span, "remove_runner", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	logger.Info("runner stopped")
	return nil
}

// fail records a failed step on the span and failure counter and returns
// err unchanged.
func (m *Manager) fail(ctx context.Context, span trace.Span, step string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, step)
	if m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
	}
	m.logger.Error("runner lifecycle step failed",
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
	return err
}
