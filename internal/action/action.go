// Package action adapts runnerctl to running as a GitHub Actions step.
// Step inputs (INPUT_* variables) are overlaid on the loaded
// configuration, the registration token is masked in the job log, and
// the started runner is reported through step outputs so a later step
// can stop it.
package action

import (
	"fmt"
	"strings"

	"github.com/sethvargo/go-githubactions"

	"github.com/terrpan/runnerctl/internal/config"
	"github.com/terrpan/runnerctl/internal/lifecycle"
)

// Step modes.
const (
	ModeStart = "start"
	ModeStop  = "stop"
)

// Output names.
const (
	OutputLabel         = "label"
	OutputInstanceID    = "instance-id"
	OutputEC2InstanceID = "ec2-instance-id"
)

// Action wraps the workflow command interface of the current step.
type Action struct {
	gha *githubactions.Action
}

// New creates an Action.  Options are passed to githubactions.New; tests
// use them to inject the environment and output writer.
func New(opts ...githubactions.Option) *Action {
	return &Action{gha: githubactions.New(opts...)}
}

// Running reports whether the process runs inside a GitHub Actions job.
func Running(getenv func(string) string) bool {
	return getenv("GITHUB_ACTIONS") == "true"
}

// Mode returns the "mode" input, start or stop.
func (a *Action) Mode() (string, error) {
	mode := strings.ToLower(a.gha.GetInput("mode"))
	switch mode {
	case ModeStart, ModeStop:
		return mode, nil
	case "":
		return "", fmt.Errorf("input mode is required (start or stop)")
	default:
		return "", fmt.Errorf("input mode %q is not supported (start or stop)", mode)
	}
}

// Apply overlays the step inputs that are set onto cfg.  When neither the
// config nor the inputs name a GitHub URL, the URL of the repository the
// workflow runs in is used.
func (a *Action) Apply(cfg *config.Config) error {
	set := func(dst *string, names ...string) {
		for _, name := range names {
			if v := a.gha.GetInput(name); v != "" {
				*dst = v
				return
			}
		}
	}

	set(&cfg.GitHub.URL, "github-url")
	set(&cfg.GitHub.Token, "github-token")

	set(&cfg.Runner.Label, "label")
	set(&cfg.Runner.HomeDir, "runner-home-dir")
	set(&cfg.Runner.PreScript, "pre-runner-script")

	set(&cfg.Engine.Type, "engine")
	set(&cfg.Engine.EC2.Region, "aws-region")
	set(&cfg.Engine.EC2.ImageID, "ec2-image-id")
	set(&cfg.Engine.EC2.InstanceType, "ec2-instance-type")
	set(&cfg.Engine.EC2.SubnetID, "subnet-id")
	set(&cfg.Engine.EC2.SecurityGroupID, "security-group-id")
	set(&cfg.Engine.EC2.IAMRoleName, "iam-role-name")
	set(&cfg.Engine.EC2.HostID, "host-id")

	if raw := a.gha.GetInput("aws-resource-tags"); raw != "" {
		tags, err := config.ParseTags(raw)
		if err != nil {
			return fmt.Errorf("input aws-resource-tags: %w", err)
		}
		cfg.Engine.Tags = tags
	}

	if cfg.GitHub.URL == "" {
		ghctx, err := a.gha.Context()
		if err != nil {
			return fmt.Errorf("reading workflow context: %w", err)
		}
		if ghctx.Repository != "" {
			server := strings.TrimRight(ghctx.ServerURL, "/")
			if server == "" {
				server = "https://github.com"
			}
			cfg.GitHub.URL = server + "/" + ghctx.Repository
		}
	}

	return nil
}

// StopTarget returns the runner to stop from the step inputs.
func (a *Action) StopTarget() (label, instanceID string, err error) {
	label = a.gha.GetInput("label")
	instanceID = a.gha.GetInput("ec2-instance-id")
	if instanceID == "" {
		instanceID = a.gha.GetInput("instance-id")
	}
	if label == "" && instanceID == "" {
		return "", "", fmt.Errorf("inputs label and ec2-instance-id are required in stop mode")
	}
	return label, instanceID, nil
}

// Mask hides secret in the job log.
func (a *Action) Mask(secret string) {
	if secret != "" {
		a.gha.AddMask(secret)
	}
}

// SetOutputs publishes the started runner for later steps.  Fields not
// yet known are skipped.
func (a *Action) SetOutputs(res lifecycle.Result) {
	if res.Label != "" {
		a.gha.SetOutput(OutputLabel, res.Label)
	}
	if res.InstanceID != "" {
		a.gha.SetOutput(OutputInstanceID, res.InstanceID)
		a.gha.SetOutput(OutputEC2InstanceID, res.InstanceID)
	}
}
