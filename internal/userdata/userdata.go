// Package userdata renders the first-boot shell script that installs (or
// locates) the GitHub Actions runner agent on a new instance, registers it
// with a one-time registration token and starts it.
//
// The script has two shapes:
//
//	ModePreProvisioned  the runner is already installed in the image at
//	                    Options.RunnerHomeDir; configure and run it there.
//	ModeSelfInstalling  download the pinned runner release for the
//	                    instance's OS/architecture into a fresh directory,
//	                    configure it and start it in the background.
//
// The registration token and label are interpolated verbatim.  They are
// trusted inputs and are not shell-escaped.
package userdata

import (
	"encoding/base64"
	"fmt"
	"strings"
	"text/template"
)

// RunnerVersion is the actions/runner release downloaded in
// ModeSelfInstalling.  Bump it together with the runner release the
// workflows are tested against.
const RunnerVersion = "2.328.0"

// RunnerGroup is the runner group every runner registers into.
const RunnerGroup = "default"

// Options are the configuration inputs the script depends on.
type Options struct {
	// URL is the GitHub URL the runner registers with
	// (e.g. https://github.com/org or https://github.com/org/repo).
	URL string

	// RunnerHomeDir is the directory of a runner pre-installed in the
	// image.  Empty selects ModeSelfInstalling.
	RunnerHomeDir string

	// PreScript is a shell fragment run verbatim before the runner is
	// configured.
	PreScript string
}

// Mode selects one of the two boot script templates.
type Mode int

const (
	// ModeSelfInstalling downloads and installs the runner at boot.
	ModeSelfInstalling Mode = iota
	// ModePreProvisioned uses a runner already present in the image.
	ModePreProvisioned
)

func (m Mode) String() string {
	switch m {
	case ModeSelfInstalling:
		return "self-installing"
	case ModePreProvisioned:
		return "pre-provisioned"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ModeFor returns the template mode for opts.  Only RunnerHomeDir takes
// part in the decision.
func ModeFor(opts Options) Mode {
	if opts.RunnerHomeDir != "" {
		return ModePreProvisioned
	}
	return ModeSelfInstalling
}

// scriptData is what the templates see.
type scriptData struct {
	Token     string
	Label     string
	URL       string
	HomeDir   string
	PreScript string
	Version   string
	Group     string
}

var (
	preProvisioned = template.Must(template.New("pre-provisioned").Parse(preProvisionedScript))
	selfInstalling = template.Must(template.New("self-installing").Parse(selfInstallingScript))
)

// Render returns the boot script for the runner named label, registered
// with token.  Identical inputs always produce identical output.
//
// The templates are parsed at init and only see fixed string fields, so
// execution cannot fail; Render panics if it does, like template.Must.
func Render(token, label string, opts Options) string {
	mode := ModeFor(opts)
	tmpl := selfInstalling
	if mode == ModePreProvisioned {
		tmpl = preProvisioned
	}

	var b strings.Builder
	err := tmpl.Execute(&b, scriptData{
		Token:     token,
		Label:     label,
		URL:       opts.URL,
		HomeDir:   opts.RunnerHomeDir,
		PreScript: opts.PreScript,
		Version:   RunnerVersion,
		Group:     RunnerGroup,
	})
	if err != nil {
		panic(fmt.Sprintf("rendering %s boot script: %v", mode, err))
	}
	return b.String()
}

// Encode returns script base64-encoded, the form EC2 expects for user data.
func Encode(script string) string {
	return base64.StdEncoding.EncodeToString([]byte(script))
}

// Redact replaces every occurrence of token in script so the script can be
// logged.
func Redact(script, token string) string {
	if token == "" {
		return script
	}
	return strings.ReplaceAll(script, token, "***")
}

const detectPlatform = `case $(uname -m) in aarch64|arm64) ARCH="arm64" ;; amd64|x86_64) ARCH="x64" ;; esac && export RUNNER_ARCH=$ARCH
case $(uname -s) in Darwin*) OS="osx" ;; Linux*) OS="linux" ;; esac && export RUNNER_OS=$OS
`

const preProvisionedScript = `#!/bin/bash
` + detectPlatform + `
{{.PreScript}}

export RUNNER_ALLOW_RUNASROOT=1
cd "{{.HomeDir}}"
./config.sh --url {{.URL}} --token {{.Token}} --labels {{.Label}} --name {{.Label}} --runnergroup {{.Group}} --work "{{.HomeDir}}" --replace
./run.sh
`

const selfInstallingScript = `#!/bin/bash
` + detectPlatform + `
{{.PreScript}}

export LC_ALL=en_US.UTF-8
export LANG=en_US.UTF-8
export RUNNER_ALLOW_RUNASROOT=1

RUNNER_VERSION="{{.Version}}"
RUNNER_DIR=$(mktemp -d /opt/actions-runner.XXXXXX)
cd "$RUNNER_DIR"
curl -fsSL -o actions-runner.tar.gz "https://github.com/actions/runner/releases/download/v${RUNNER_VERSION}/actions-runner-${RUNNER_OS}-${RUNNER_ARCH}-${RUNNER_VERSION}.tar.gz"
tar xzf actions-runner.tar.gz
rm -f actions-runner.tar.gz
./config.sh --url {{.URL}} --token {{.Token}} --labels {{.Label}} --name {{.Label}} --runnergroup {{.Group}} --work "$RUNNER_DIR" --replace
nohup ./run.sh > "$RUNNER_DIR/run.log" 2>&1 &
`
