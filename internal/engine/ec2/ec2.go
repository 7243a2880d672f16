// Package ec2 implements the engine.Engine interface on AWS EC2.
//
// Authentication uses the default AWS credential chain (environment,
// shared config, web identity, instance role).  No credential fields exist
// in Config.
package ec2

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerctl/internal/engine"
	"github.com/terrpan/runnerctl/internal/userdata"
)

// DefaultWaitTimeout bounds WaitUntilRunning when Config.WaitTimeout is zero.
const DefaultWaitTimeout = 5 * time.Minute

// Config holds EC2-specific engine settings.
type Config struct {
	// Region is the AWS region.  Empty falls back to AWS_REGION / the
	// shared config.
	Region string

	// ImageID is the AMI id (required).
	ImageID string

	// InstanceType is the EC2 instance type (required), e.g. "t3.medium".
	InstanceType string

	// SubnetID is the VPC subnet to launch into (required).
	SubnetID string

	// SecurityGroupID is the single security group attached (required).
	SecurityGroupID string

	// IAMRoleName is the instance profile name bound to the instance
	// (optional).
	IAMRoleName string

	// HostID pins the instance to a dedicated host (optional).  When set,
	// the request carries Placement{Tenancy: host, HostId: HostID}.
	HostID string

	// Tags are applied to the instance and its volumes.
	Tags []engine.Tag

	// WaitTimeout bounds WaitUntilRunning.  Default: 5m.
	WaitTimeout time.Duration

	// PollInterval fixes the delay between DescribeInstances calls while
	// waiting.  Zero keeps the SDK waiter's backoff (15s up to 120s).
	PollInterval time.Duration

	// Script configures the boot script.
	Script userdata.Options
}

// ec2API is the subset of *ec2.Client the engine uses.
type ec2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	ec2.DescribeInstancesAPIClient
}

// Engine manages a runner instance on EC2.
type Engine struct {
	client ec2API
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates an EC2 engine using the default AWS credential chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	logger.Info("ec2 engine initialized",
		slog.String("region", awsCfg.Region),
		slog.String("image_id", cfg.ImageID),
		slog.String("instance_type", cfg.InstanceType),
		slog.String("subnet_id", cfg.SubnetID),
	)

	return newEngine(ec2.NewFromConfig(awsCfg), cfg, logger), nil
}

// newEngine wires an Engine around any ec2API (used by tests).
func newEngine(client ec2API, cfg Config, logger *slog.Logger) *Engine {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("runnerctl/engine/ec2"),
	}
}

// StartInstance launches exactly one instance whose user data registers
// a runner named label using token.
func (e *Engine) StartInstance(ctx context.Context, label, token string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.StartInstance")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.label", label),
		attribute.String("ec2.image_id", e.cfg.ImageID),
		attribute.String("ec2.instance_type", e.cfg.InstanceType),
		attribute.Bool("ec2.dedicated_host", e.cfg.HostID != ""),
	)

	script := userdata.Render(token, label, e.cfg.Script)
	e.logger.Debug("rendered user data",
		slog.String("label", label),
		slog.String("mode", userdata.ModeFor(e.cfg.Script).String()),
		slog.String("script", userdata.Redact(script, token)),
	)

	out, err := e.client.RunInstances(ctx, e.runInstancesInput(script))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run instances")
		e.logger.Error("ec2 instance start failed",
			slog.String("label", label),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("run instance for %s: %w", label, err)
	}

	if len(out.Instances) != 1 || aws.ToString(out.Instances[0].InstanceId) == "" {
		err := fmt.Errorf("run instance for %s: expected 1 instance in response, got %d", label, len(out.Instances))
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("ec2 instance start failed", slog.String("label", label), slog.String("error", err.Error()))
		return "", err
	}

	id := aws.ToString(out.Instances[0].InstanceId)
	span.SetAttributes(attribute.String("ec2.instance_id", id))

	e.logger.Info("ec2 instance started",
		slog.String("instance_id", id),
		slog.String("label", label),
	)
	return id, nil
}

// runInstancesInput builds the RunInstances request for a rendered script.
func (e *Engine) runInstancesInput(script string) *ec2.RunInstancesInput {
	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(e.cfg.ImageID),
		InstanceType:      types.InstanceType(e.cfg.InstanceType),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		UserData:          aws.String(userdata.Encode(script)),
		SubnetId:          aws.String(e.cfg.SubnetID),
		SecurityGroupIds:  []string{e.cfg.SecurityGroupID},
		TagSpecifications: tagSpecifications(e.cfg.Tags),
	}

	if e.cfg.IAMRoleName != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(e.cfg.IAMRoleName),
		}
	}

	if e.cfg.HostID != "" {
		input.Placement = &types.Placement{
			Tenancy: types.TenancyHost,
			HostId:  aws.String(e.cfg.HostID),
		}
	}

	return input
}

// tagSpecifications applies tags to both the instance and its volumes.
// It returns nil when there are no tags.
func tagSpecifications(tags []engine.Tag) []types.TagSpecification {
	if len(tags) == 0 {
		return nil
	}

	ec2Tags := make([]types.Tag, len(tags))
	for i, t := range tags {
		ec2Tags[i] = types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)}
	}

	return []types.TagSpecification{
		{ResourceType: types.ResourceTypeInstance, Tags: ec2Tags},
		{ResourceType: types.ResourceTypeVolume, Tags: ec2Tags},
	}
}

// WaitUntilRunning blocks on the SDK's InstanceRunning waiter, bounded by
// Config.WaitTimeout.
func (e *Engine) WaitUntilRunning(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.WaitUntilRunning")
	defer span.End()

	span.SetAttributes(
		attribute.String("ec2.instance_id", id),
		attribute.String("ec2.wait_timeout", e.cfg.WaitTimeout.String()),
	)

	waiter := ec2.NewInstanceRunningWaiter(e.client, e.waiterOptions)

	e.logger.Info("waiting for ec2 instance to be running",
		slog.String("instance_id", id),
		slog.Duration("timeout", e.cfg.WaitTimeout),
	)

	err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, e.cfg.WaitTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "wait instance running")
		e.logger.Error("ec2 instance initialization failed",
			slog.String("instance_id", id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("waiting for instance %s to run: %w", id, err)
	}

	e.logger.Info("ec2 instance is up and running", slog.String("instance_id", id))
	return nil
}

// waiterOptions applies Config.PollInterval.  Min and max delay are set
// together; the waiter rejects MinDelay > MaxDelay.
func (e *Engine) waiterOptions(o *ec2.InstanceRunningWaiterOptions) {
	if e.cfg.PollInterval > 0 {
		o.MinDelay = e.cfg.PollInterval
		o.MaxDelay = e.cfg.PollInterval
	}
}

// TerminateInstance terminates exactly the instance id.
//
// EC2 answers a repeated termination of an already-terminated instance with
// success; an unknown id fails with InvalidInstanceID.NotFound, which is
// returned like any other error.
func (e *Engine) TerminateInstance(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.TerminateInstance")
	defer span.End()

	span.SetAttributes(attribute.String("ec2.instance_id", id))

	_, err := e.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "terminate instances")
		e.logger.Error("ec2 instance termination failed",
			slog.String("instance_id", id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("terminate instance %s: %w", id, err)
	}

	e.logger.Info("ec2 instance terminated", slog.String("instance_id", id))
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (e *Engine) Close() error {
	return nil
}
