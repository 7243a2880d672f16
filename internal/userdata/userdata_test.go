package userdata

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type UserdataSuite struct {
	suite.Suite
	opts Options
}

func (s *UserdataSuite) SetupTest() {
	s.opts = Options{
		URL: "https://github.com/my-org/my-repo",
	}
}

func TestUserdataSuite(t *testing.T) {
	suite.Run(t, new(UserdataSuite))
}

// ---------------------------------------------------------------------------
// Mode selection
// ---------------------------------------------------------------------------

func (s *UserdataSuite) TestModeFor() {
	assert.Equal(s.T(), ModeSelfInstalling, ModeFor(Options{}))
	assert.Equal(s.T(), ModeSelfInstalling, ModeFor(Options{PreScript: "echo hi", URL: "https://github.com/o"}))
	assert.Equal(s.T(), ModePreProvisioned, ModeFor(Options{RunnerHomeDir: "/home/runner"}))
}

func (s *UserdataSuite) TestModeString() {
	assert.Equal(s.T(), "self-installing", ModeSelfInstalling.String())
	assert.Equal(s.T(), "pre-provisioned", ModePreProvisioned.String())
	assert.Equal(s.T(), "Mode(7)", Mode(7).String())
}

// ---------------------------------------------------------------------------
// Self-installing
// ---------------------------------------------------------------------------

func (s *UserdataSuite) TestRender_SelfInstalling() {
	script := Render("tok-abc", "ci-run-42", s.opts)

	assert.True(s.T(), strings.HasPrefix(script, "#!/bin/bash\n"))
	assert.Contains(s.T(), script, "--name ci-run-42")
	assert.Contains(s.T(), script, "--labels ci-run-42")
	assert.Contains(s.T(), script, "--url https://github.com/my-org/my-repo")
	assert.Contains(s.T(), script, "--runnergroup default")
	assert.Contains(s.T(), script, `--work "$RUNNER_DIR" --replace`)
	assert.Equal(s.T(), 1, strings.Count(script, "tok-abc"))

	// download, extract, background start -- in that order
	download := strings.Index(script, "curl -fsSL")
	extract := strings.Index(script, "tar xzf")
	configure := strings.Index(script, "./config.sh")
	start := strings.Index(script, "nohup ./run.sh")
	require.True(s.T(), download >= 0 && extract >= 0 && configure >= 0 && start >= 0)
	assert.Less(s.T(), download, extract)
	assert.Less(s.T(), extract, configure)
	assert.Less(s.T(), configure, start)
	assert.True(s.T(), strings.HasSuffix(strings.TrimSpace(script), "&"))

	assert.Contains(s.T(), script, `RUNNER_VERSION="`+RunnerVersion+`"`)
	assert.Contains(s.T(), script, "export LC_ALL=en_US.UTF-8")
	assert.Contains(s.T(), script, "export LANG=en_US.UTF-8")
}

func (s *UserdataSuite) TestRender_DetectsPlatformAtBoot() {
	for _, opts := range []Options{s.opts, {URL: s.opts.URL, RunnerHomeDir: "/opt/runner"}} {
		script := Render("t", "l", opts)
		assert.Contains(s.T(), script, `aarch64|arm64) ARCH="arm64"`)
		assert.Contains(s.T(), script, `amd64|x86_64) ARCH="x64"`)
		assert.Contains(s.T(), script, `Darwin*) OS="osx"`)
		assert.Contains(s.T(), script, `Linux*) OS="linux"`)
	}
}

// ---------------------------------------------------------------------------
// Pre-provisioned
// ---------------------------------------------------------------------------

func (s *UserdataSuite) TestRender_PreProvisioned() {
	s.opts.RunnerHomeDir = "/home/ec2-user/actions-runner"

	script := Render("tok-abc", "ci-run-42", s.opts)

	assert.Contains(s.T(), script, "export RUNNER_ALLOW_RUNASROOT=1")
	assert.Contains(s.T(), script, `cd "/home/ec2-user/actions-runner"`)
	assert.Contains(s.T(), script, "--name ci-run-42")
	assert.Contains(s.T(), script, "--labels ci-run-42")
	assert.Contains(s.T(), script, "--runnergroup default")
	assert.Contains(s.T(), script, `--work "/home/ec2-user/actions-runner" --replace`)
	assert.Contains(s.T(), script, "\n./run.sh\n")
	assert.Equal(s.T(), 1, strings.Count(script, "tok-abc"))

	// nothing from the self-installing branch
	assert.NotContains(s.T(), script, "curl")
	assert.NotContains(s.T(), script, "tar xzf")
	assert.NotContains(s.T(), script, "nohup")
	assert.NotContains(s.T(), script, "LC_ALL")
}

func (s *UserdataSuite) TestRender_SelfInstallingHasNoPreProvisionedDir() {
	script := Render("tok", "label", s.opts)
	assert.NotContains(s.T(), script, `cd ""`)
	assert.Contains(s.T(), script, "mktemp -d")
}

// ---------------------------------------------------------------------------
// Shared behaviour
// ---------------------------------------------------------------------------

func (s *UserdataSuite) TestRender_PreScriptVerbatim() {
	pre := "yum install -y git\necho 'ready' > /tmp/ready"
	s.opts.PreScript = pre

	for _, home := range []string{"", "/opt/runner"} {
		s.opts.RunnerHomeDir = home
		script := Render("tok", "label", s.opts)
		assert.Contains(s.T(), script, pre)
		assert.Less(s.T(), strings.Index(script, pre), strings.Index(script, "./config.sh"))
	}
}

func (s *UserdataSuite) TestRender_Deterministic() {
	s.opts.PreScript = "echo pre"
	first := Render("tok-abc", "ci-run-42", s.opts)
	for range 5 {
		again := Render("tok-abc", "ci-run-42", s.opts)
		assert.Equal(s.T(), first, again)
	}
}

func (s *UserdataSuite) TestRender_NoEscaping() {
	script := Render("a&b", "x y", s.opts)
	assert.Contains(s.T(), script, "--token a&b ")
	assert.Contains(s.T(), script, "--name x y ")
}

func (s *UserdataSuite) TestRender_TemplateTextInInputsIsLiteral() {
	for _, opts := range []Options{
		{},
		{URL: "{{.Token}}", PreScript: "echo {{ .Label }}"},
		{URL: "https://github.com/o", RunnerHomeDir: "{{end}}", PreScript: "{{"},
	} {
		var script string
		require.NotPanics(s.T(), func() { script = Render("{{.Token}}", "", opts) })
		assert.True(s.T(), strings.HasPrefix(script, "#!/bin/bash\n"))
		assert.Contains(s.T(), script, "--token {{.Token}} ")
		if opts.PreScript != "" {
			assert.Contains(s.T(), script, opts.PreScript)
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *UserdataSuite) TestEncode() {
	script := "#!/bin/bash\necho hi\n"
	decoded, err := base64.StdEncoding.DecodeString(Encode(script))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), script, string(decoded))
}

func (s *UserdataSuite) TestRedact() {
	script := Render("tok-secret", "label", s.opts)

	redacted := Redact(script, "tok-secret")
	assert.NotContains(s.T(), redacted, "tok-secret")
	assert.Contains(s.T(), redacted, "--token *** ")

	assert.Equal(s.T(), script, Redact(script, ""))
}
