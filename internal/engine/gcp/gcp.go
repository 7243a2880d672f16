// Package gcp implements the engine.Engine interface using Google Cloud
// Compute Engine.  The boot script is delivered as the instance's
// "startup-script" metadata item.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"github.com/cenkalti/backoff/v5"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/runnerctl/internal/engine"
	"github.com/terrpan/runnerctl/internal/userdata"
)

const (
	// DefaultWaitTimeout bounds WaitUntilRunning when Config.WaitTimeout is zero.
	DefaultWaitTimeout = 5 * time.Minute
	// DefaultPollInterval is the delay between status checks.
	DefaultPollInterval = 5 * time.Second

	startupScriptKey = "startup-script"
	nodeNameAffinity = "compute.googleapis.com/node-name"
	statusRunning    = "RUNNING"
)

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where the runner VM is created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the full self-link or family URL of the runner image (required).
	// Examples:
	//   "projects/my-project/global/images/scaleset-runner-1234567890"
	//   "projects/my-project/global/images/family/ubuntu-2404-lts-amd64"
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).  If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP controls whether the runner VM gets an external IP.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to the
	// runner VM (optional).  If empty, the project's default compute
	// service account is used.
	ServiceAccount string

	// HostID pins the VM to a sole-tenant node by name (optional).
	HostID string

	// Tags become instance labels.
	Tags []engine.Tag

	// WaitTimeout bounds WaitUntilRunning.  Default: 5m.
	WaitTimeout time.Duration

	// PollInterval is the delay between status checks.  Default: 5s.
	PollInterval time.Duration

	// Script configures the boot script.
	Script userdata.Options
}

// operationWaiter is satisfied by *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of the instances client the engine uses.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Close() error
}

// closerOnly is all the engine needs from the zone operations client.
type closerOnly interface {
	Close() error
}

// restInstances adapts *compute.InstancesClient to instancesAPI.
type restInstances struct {
	c *compute.InstancesClient
}

func (r restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return r.c.Insert(ctx, req)
}

func (r restInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.c.Get(ctx, req)
}

func (r restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return r.c.Delete(ctx, req)
}

func (r restInstances) Close() error {
	return r.c.Close()
}

// Engine manages a GitHub Actions runner as a GCP Compute Engine VM.
type Engine struct {
	client   instancesAPI
	opClient closerOnly
	cfg      Config
	logger   *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	opClient, err := compute.NewZoneOperationsRESTClient(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gcp zone operations client: %w", err)
	}

	e := newEngine(restInstances{c: client}, opClient, cfg, logger)

	logger.Info("gcp engine initialized",
		slog.String("project", e.cfg.Project),
		slog.String("zone", e.cfg.Zone),
		slog.String("machine_type", e.cfg.MachineType),
		slog.String("image", e.cfg.Image),
	)

	return e, nil
}

// newEngine applies defaults and wires the engine around the given
// clients (used by tests).
func newEngine(client instancesAPI, opClient closerOnly, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &Engine{
		client:   client,
		opClient: opClient,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("runnerctl/engine/gcp"),
	}
}

// StartInstance creates a VM named label whose startup script registers
// the runner with token.  For GCP the instance name is the opaque id.
func (e *Engine) StartInstance(ctx context.Context, label, token string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.StartInstance")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.label", label),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
		attribute.String("gcp.machine_type", e.cfg.MachineType),
	)

	script := userdata.Render(token, label, e.cfg.Script)
	e.logger.Debug("rendered startup script",
		slog.String("label", label),
		slog.String("script", userdata.Redact(script, token)),
	)

	e.logger.Info("creating runner VM",
		slog.String("name", label),
		slog.String("machine_type", e.cfg.MachineType),
		slog.String("zone", e.cfg.Zone),
	)

	op, err := e.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: e.instanceResource(label, script),
	})
	if err == nil {
		// Wait for the insert operation to complete.
		span.AddEvent("waiting for GCP operation")
		err = op.Wait(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert instance")
		e.logger.Error("runner VM start failed",
			slog.String("name", label),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("insert instance %s: %w", label, err)
	}

	span.SetAttributes(attribute.String("gcp.instance_name", label))
	e.logger.Info("runner VM created", slog.String("name", label), slog.String("zone", e.cfg.Zone))

	return label, nil
}

// instanceResource builds the Instance for a rendered script.
func (e *Engine) instanceResource(name, script string) *computepb.Instance {
	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", e.cfg.Zone, e.cfg.MachineType)

	// Boot disk from the runner image.
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(e.cfg.Image),
			DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", e.cfg.Zone)),
			Labels:      labels(e.cfg.Tags),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", e.cfg.Network)),
	}
	if e.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Labels:            labels(e.cfg.Tags),
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{
				{
					Key:   proto.String(startupScriptKey),
					Value: proto.String(script),
				},
			},
		},
	}

	if e.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(e.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	if e.cfg.HostID != "" {
		instance.Scheduling = &computepb.Scheduling{
			NodeAffinities: []*computepb.SchedulingNodeAffinity{
				{
					Key:      proto.String(nodeNameAffinity),
					Operator: proto.String("IN"),
					Values:   []string{e.cfg.HostID},
				},
			},
		}
	}

	return instance
}

// maxLabelLen is the GCE limit for label keys and values.
const maxLabelLen = 63

// labels converts tags to GCE labels.  Tags are shared with EC2, whose
// keys (Name, aws:..., Cost Center) break the GCE label rules, so keys
// and values are rewritten to lowercase letters, digits, '_' and '-'.
// A key that does not start with a letter gets a "tag_" prefix.
func labels(tags []engine.Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		key := sanitizeLabel(t.Key)
		if key == "" {
			continue
		}
		if key[0] < 'a' || key[0] > 'z' {
			key = truncateLabel("tag_" + key)
		}
		m[key] = sanitizeLabel(t.Value)
	}
	return m
}

func sanitizeLabel(s string) string {
	s = strings.Map(func(r rune) rune {
		r = unicode.ToLower(r)
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(s))
	return truncateLabel(s)
}

func truncateLabel(s string) string {
	if len(s) > maxLabelLen {
		return s[:maxLabelLen]
	}
	return s
}

// errNotRunning marks a status check that should be retried.
var errNotRunning = errors.New("instance not running yet")

// WaitUntilRunning polls the instance status until it is RUNNING, bounded
// by Config.WaitTimeout.  API errors and terminal states stop polling.
func (e *Engine) WaitUntilRunning(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.WaitUntilRunning")
	defer span.End()

	span.SetAttributes(attribute.String("gcp.instance_name", id))

	e.logger.Info("waiting for runner VM to be running",
		slog.String("name", id),
		slog.Duration("timeout", e.cfg.WaitTimeout),
	)

	_, err := backoff.Retry(ctx, func() (string, error) {
		inst, err := e.client.Get(ctx, &computepb.GetInstanceRequest{
			Project:  e.cfg.Project,
			Zone:     e.cfg.Zone,
			Instance: id,
		})
		if err != nil {
			return "", backoff.Permanent(err)
		}

		switch status := inst.GetStatus(); status {
		case statusRunning:
			return status, nil
		case "STOPPING", "STOPPED", "SUSPENDING", "SUSPENDED", "TERMINATED":
			return "", backoff.Permanent(fmt.Errorf("instance %s is %s", id, status))
		default:
			return "", fmt.Errorf("%w: %s", errNotRunning, status)
		}
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(e.cfg.PollInterval)),
		backoff.WithMaxElapsedTime(e.cfg.WaitTimeout),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "wait instance running")
		e.logger.Error("runner VM initialization failed",
			slog.String("name", id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("waiting for instance %s to run: %w", id, err)
	}

	e.logger.Info("runner VM is up and running", slog.String("name", id))
	return nil
}

// TerminateInstance deletes the VM identified by id and waits for the
// delete operation to finish.
func (e *Engine) TerminateInstance(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.TerminateInstance")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", id),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
	)

	e.logger.Info("deleting runner VM", slog.String("name", id))

	op, err := e.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: id,
	})
	if err == nil {
		err = op.Wait(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete instance")
		e.logger.Error("runner VM termination failed",
			slog.String("name", id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("delete instance %s: %w", id, err)
	}

	e.logger.Info("runner VM deleted", slog.String("name", id))
	return nil
}

// Close closes the API clients.
func (e *Engine) Close() error {
	return errors.Join(e.client.Close(), e.opClient.Close())
}
