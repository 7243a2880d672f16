// Package github talks to the GitHub Actions runner API: it issues
// registration tokens, waits for a freshly booted runner to come online
// and removes the runner registration on teardown.
//
// Runners are registered either at organization scope
// (https://github.com/org) or repository scope
// (https://github.com/org/repo).  GitHub Enterprise Server hosts are
// addressed through their /api/v3/ endpoint.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	gh "github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultPollInterval is the delay between runner status checks.
	DefaultPollInterval = 10 * time.Second
	// DefaultRegistrationTimeout bounds WaitForRunnerOnline's polling.
	DefaultRegistrationTimeout = 5 * time.Minute

	statusOnline = "online"
)

var (
	// ErrRunnerNotFound means no runner with the requested name is registered.
	ErrRunnerNotFound = errors.New("runner not found")
	// ErrRunnerOffline means the runner is registered but not online.
	ErrRunnerOffline = errors.New("runner not online")
)

// Config holds the GitHub connection and polling settings.
type Config struct {
	// URL is the registration URL, https://host/owner or
	// https://host/owner/repo.
	URL string

	// Token is a token allowed to manage self-hosted runners at URL's
	// scope.
	Token string

	// QuietPeriod is how long WaitForRunnerOnline sleeps before its first
	// check, covering instance boot and runner installation.  Zero skips
	// the quiet period.
	QuietPeriod time.Duration

	// PollInterval is the delay between status checks.  Default: 10s.
	PollInterval time.Duration

	// RegistrationTimeout bounds the polling after the quiet period.
	// Default: 5m.
	RegistrationTimeout time.Duration
}

// Scope identifies where runners are registered.  Repo is empty for
// organization scope.
type Scope struct {
	Owner string
	Repo  string
}

func (s Scope) String() string {
	if s.Repo == "" {
		return s.Owner
	}
	return s.Owner + "/" + s.Repo
}

// Endpoint is a parsed registration URL.
type Endpoint struct {
	Scope Scope
	// BaseURL is the REST API base for GitHub Enterprise Server, empty
	// for github.com.
	BaseURL string
}

// ParseURL splits a registration URL into its scope and API endpoint.
func ParseURL(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing github url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Endpoint{}, fmt.Errorf("github url %q: scheme and host are required", raw)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	var ep Endpoint
	switch {
	case len(parts) == 1 && parts[0] != "":
		ep.Scope = Scope{Owner: parts[0]}
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		ep.Scope = Scope{Owner: parts[0], Repo: parts[1]}
	default:
		return Endpoint{}, fmt.Errorf("github url %q: expected /owner or /owner/repo", raw)
	}

	if !strings.EqualFold(u.Host, "github.com") {
		ep.BaseURL = fmt.Sprintf("%s://%s/api/v3/", u.Scheme, u.Host)
	}
	return ep, nil
}

// actionsAPI is the subset of *gh.ActionsService the client uses.
type actionsAPI interface {
	CreateRegistrationToken(ctx context.Context, owner, repo string) (*gh.RegistrationToken, *gh.Response, error)
	CreateOrganizationRegistrationToken(ctx context.Context, org string) (*gh.RegistrationToken, *gh.Response, error)
	ListRunners(ctx context.Context, owner, repo string, opts *gh.ListOptions) (*gh.Runners, *gh.Response, error)
	ListOrganizationRunners(ctx context.Context, org string, opts *gh.ListOptions) (*gh.Runners, *gh.Response, error)
	RemoveRunner(ctx context.Context, owner, repo string, runnerID int64) (*gh.Response, error)
	RemoveOrganizationRunner(ctx context.Context, org string, runnerID int64) (*gh.Response, error)
}

// Client manages runner registrations for one scope.
type Client struct {
	actions actionsAPI
	scope   Scope
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates a Client for cfg.URL authenticated with cfg.Token.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	ep, err := ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	api := gh.NewClient(nil).WithAuthToken(cfg.Token)
	if ep.BaseURL != "" {
		api, err = api.WithEnterpriseURLs(ep.BaseURL, ep.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github enterprise url %s: %w", ep.BaseURL, err)
		}
	}

	return newClient(api.Actions, ep.Scope, cfg, logger), nil
}

// newClient wires a Client around any actionsAPI (used by tests).
func newClient(actions actionsAPI, scope Scope, cfg Config, logger *slog.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = DefaultRegistrationTimeout
	}
	return &Client{
		actions: actions,
		scope:   scope,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("runnerctl/github"),
	}
}

// Scope returns the registration scope.
func (c *Client) Scope() Scope {
	return c.scope
}

// RegistrationToken issues a short-lived runner registration token.
func (c *Client) RegistrationToken(ctx context.Context) (string, error) {
	ctx, span := c.tracer.Start(ctx, "github.RegistrationToken")
	defer span.End()

	span.SetAttributes(attribute.String("github.scope", c.scope.String()))

	var (
		tok *gh.RegistrationToken
		err error
	)
	if c.scope.Repo == "" {
		tok, _, err = c.actions.CreateOrganizationRegistrationToken(ctx, c.scope.Owner)
	} else {
		tok, _, err = c.actions.CreateRegistrationToken(ctx, c.scope.Owner, c.scope.Repo)
	}
	if err != nil {
		c.logger.Error("github registration token request failed",
			slog.String("scope", c.scope.String()),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("registration token for %s: %w", c.scope, err)
	}
	if tok.GetToken() == "" {
		return "", fmt.Errorf("registration token for %s: empty token in response", c.scope)
	}

	c.logger.Info("github registration token received", slog.String("scope", c.scope.String()))
	return tok.GetToken(), nil
}

// findRunner returns the runner registered under name, or nil.
func (c *Client) findRunner(ctx context.Context, name string) (*gh.Runner, error) {
	opts := &gh.ListOptions{PerPage: 100}

	for {
		var (
			runners *gh.Runners
			resp    *gh.Response
			err     error
		)
		if c.scope.Repo == "" {
			runners, resp, err = c.actions.ListOrganizationRunners(ctx, c.scope.Owner, opts)
		} else {
			runners, resp, err = c.actions.ListRunners(ctx, c.scope.Owner, c.scope.Repo, opts)
		}
		if err != nil {
			return nil, fmt.Errorf("listing runners for %s: %w", c.scope, err)
		}

		for _, r := range runners.Runners {
			if r.GetName() == name {
				return r, nil
			}
		}

		if resp == nil || resp.NextPage == 0 {
			return nil, nil
		}
		opts.Page = resp.NextPage
	}
}

// WaitForRunnerOnline blocks until a runner named label reports online.
// It sleeps Config.QuietPeriod first, then polls every
// Config.PollInterval for at most Config.RegistrationTimeout.
func (c *Client) WaitForRunnerOnline(ctx context.Context, label string) error {
	ctx, span := c.tracer.Start(ctx, "github.WaitForRunnerOnline")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.label", label),
		attribute.String("github.scope", c.scope.String()),
	)

	c.logger.Info("waiting for runner to register",
		slog.String("label", label),
		slog.Duration("quiet_period", c.cfg.QuietPeriod),
		slog.Duration("timeout", c.cfg.RegistrationTimeout),
	)

	if c.cfg.QuietPeriod > 0 {
		t := time.NewTimer(c.cfg.QuietPeriod)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	_, err := backoff.Retry(ctx, func() (*gh.Runner, error) {
		r, err := c.findRunner(ctx, label)
		switch {
		case err != nil:
			return nil, err
		case r == nil:
			return nil, ErrRunnerNotFound
		case r.GetStatus() != statusOnline:
			return nil, fmt.Errorf("%w: status %q", ErrRunnerOffline, r.GetStatus())
		}
		return r, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.PollInterval)),
		backoff.WithMaxElapsedTime(c.cfg.RegistrationTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("runner not ready",
				slog.String("label", label),
				slog.String("reason", err.Error()),
				slog.Duration("retry_in", next),
			)
		}),
	)
	if err != nil {
		span.RecordError(err)
		c.logger.Error("runner registration wait failed",
			slog.String("label", label),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("waiting for runner %s to come online: %w", label, err)
	}

	c.logger.Info("runner is online", slog.String("label", label))
	return nil
}

// RemoveRunner deletes the registration of the runner named label.  A
// runner that is not registered is not an error.
func (c *Client) RemoveRunner(ctx context.Context, label string) error {
	ctx, span := c.tracer.Start(ctx, "github.RemoveRunner")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.label", label),
		attribute.String("github.scope", c.scope.String()),
	)

	r, err := c.findRunner(ctx, label)
	if err != nil {
		c.logger.Error("runner lookup failed", slog.String("label", label), slog.String("error", err.Error()))
		return err
	}
	if r == nil {
		c.logger.Warn("runner not registered, nothing to remove", slog.String("label", label))
		return nil
	}

	span.SetAttributes(attribute.Int64("runner.id", r.GetID()))

	if c.scope.Repo == "" {
		_, err = c.actions.RemoveOrganizationRunner(ctx, c.scope.Owner, r.GetID())
	} else {
		_, err = c.actions.RemoveRunner(ctx, c.scope.Owner, c.scope.Repo, r.GetID())
	}
	if err != nil {
		span.RecordError(err)
		c.logger.Error("runner removal failed",
			slog.String("label", label),
			slog.Int64("runner_id", r.GetID()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("removing runner %s (%d): %w", label, r.GetID(), err)
	}

	c.logger.Info("runner removed", slog.String("label", label), slog.Int64("runner_id", r.GetID()))
	return nil
}
