package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ---------------------------------------------------------------------------
// Mock engine
// ---------------------------------------------------------------------------

type mockEngine struct {
	mu sync.Mutex

	calls      []string // ordered call log shared with mockRegistrar
	labels     []string // labels passed to StartInstance
	tokens     []string // tokens passed to StartInstance
	terminated []string // ids passed to TerminateInstance

	startErr     error
	waitErr      error
	terminateErr error
	nextID       int
}

func (m *mockEngine) StartInstance(_ context.Context, label, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "start")
	if m.startErr != nil {
		return "", m.startErr
	}
	m.nextID++
	m.labels = append(m.labels, label)
	m.tokens = append(m.tokens, token)
	return fmt.Sprintf("i-%04d", m.nextID), nil
}

func (m *mockEngine) WaitUntilRunning(_ context.Context, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "wait")
	return m.waitErr
}

func (m *mockEngine) TerminateInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "terminate")
	if m.terminateErr != nil {
		return m.terminateErr
	}
	m.terminated = append(m.terminated, id)
	return nil
}

func (m *mockEngine) Close() error { return nil }

// ---------------------------------------------------------------------------
// Mock registrar
// ---------------------------------------------------------------------------

type mockRegistrar struct {
	engine *mockEngine // shares the call log

	token     string
	tokenErr  error
	onlineErr error
	removeErr error

	online  []string
	removed []string
}

func (r *mockRegistrar) log(call string) {
	r.engine.mu.Lock()
	r.engine.calls = append(r.engine.calls, call)
	r.engine.mu.Unlock()
}

func (r *mockRegistrar) RegistrationToken(context.Context) (string, error) {
	r.log("token")
	if r.tokenErr != nil {
		return "", r.tokenErr
	}
	return r.token, nil
}

func (r *mockRegistrar) WaitForRunnerOnline(_ context.Context, label string) error {
	r.log("online")
	if r.onlineErr != nil {
		return r.onlineErr
	}
	r.online = append(r.online, label)
	return nil
}

func (r *mockRegistrar) RemoveRunner(_ context.Context, label string) error {
	r.log("remove")
	if r.removeErr != nil {
		return r.removeErr
	}
	r.removed = append(r.removed, label)
	return nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type LifecycleSuite struct {
	suite.Suite
	ctx       context.Context
	engine    *mockEngine
	registrar *mockRegistrar
	logBuf    *bytes.Buffer
	logger    *slog.Logger
	reader    *sdkmetric.ManualReader
}

func (s *LifecycleSuite) SetupTest() {
	s.ctx = context.Background()
	s.engine = &mockEngine{}
	s.registrar = &mockRegistrar{engine: s.engine, token: "AABBCC"}
	s.logBuf = &bytes.Buffer{}
	s.logger = slog.New(slog.NewTextHandler(s.logBuf, nil))

	s.reader = sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(s.reader)))
}

func (s *LifecycleSuite) newManager(label string) *Manager {
	return New(Config{
		Engine:    s.engine,
		Registrar: s.registrar,
		Logger:    s.logger,
		Label:     label,
	})
}

// counter returns the summed value of an int64 counter, or 0.
func (s *LifecycleSuite) counter(name string) int64 {
	var rm metricdata.ResourceMetrics
	require.NoError(s.T(), s.reader.Collect(s.ctx, &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(s.T(), ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestLifecycleSuite(t *testing.T) {
	suite.Run(t, new(LifecycleSuite))
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

func (s *LifecycleSuite) TestStart_Success() {
	res, err := s.newManager("ci-runner").Start(s.ctx)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), Result{Label: "ci-runner", InstanceID: "i-0001"}, res)
	assert.Equal(s.T(), []string{"token", "start", "wait", "online"}, s.engine.calls)
	assert.Equal(s.T(), []string{"AABBCC"}, s.engine.tokens)
	assert.Equal(s.T(), []string{"ci-runner"}, s.registrar.online)
	assert.Equal(s.T(), int64(1), s.counter("runnerctl.instances.started"))
	assert.Zero(s.T(), s.counter("runnerctl.failures"))
}

func (s *LifecycleSuite) TestStart_GeneratesLabel() {
	res, err := s.newManager("").Start(s.ctx)
	require.NoError(s.T(), err)

	assert.Regexp(s.T(), regexp.MustCompile(`^runner-[0-9a-f]{8}$`), res.Label)
	assert.Equal(s.T(), []string{res.Label}, s.engine.labels)
	assert.Equal(s.T(), []string{res.Label}, s.registrar.online)
}

func (s *LifecycleSuite) TestStart_GeneratesFreshLabelEachTime() {
	m := s.newManager("")

	a, err := m.Start(s.ctx)
	require.NoError(s.T(), err)
	b, err := m.Start(s.ctx)
	require.NoError(s.T(), err)

	assert.NotEqual(s.T(), a.Label, b.Label)
}

func (s *LifecycleSuite) TestStart_OnTokenCalled() {
	var seen []string
	m := New(Config{
		Engine:    s.engine,
		Registrar: s.registrar,
		Logger:    s.logger,
		OnToken:   func(tok string) { seen = append(seen, tok) },
	})

	_, err := m.Start(s.ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"AABBCC"}, seen)
}

func (s *LifecycleSuite) TestStart_TokenNotLogged() {
	_, err := s.newManager("ci-runner").Start(s.ctx)
	require.NoError(s.T(), err)
	assert.NotContains(s.T(), s.logBuf.String(), "AABBCC")
}

func (s *LifecycleSuite) TestStart_TokenError() {
	tokErr := errors.New("401 Bad credentials")
	s.registrar.tokenErr = tokErr

	res, err := s.newManager("ci-runner").Start(s.ctx)
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, tokErr)
	assert.Equal(s.T(), "ci-runner", res.Label)
	assert.Empty(s.T(), res.InstanceID)
	assert.Equal(s.T(), []string{"token"}, s.engine.calls)
	assert.Equal(s.T(), int64(1), s.counter("runnerctl.failures"))
}

func (s *LifecycleSuite) TestStart_StartInstanceError() {
	startErr := errors.New("InsufficientInstanceCapacity")
	s.engine.startErr = startErr

	res, err := s.newManager("ci-runner").Start(s.ctx)
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, startErr)
	assert.Contains(s.T(), err.Error(), "ci-runner")
	assert.Empty(s.T(), res.InstanceID)
	assert.Zero(s.T(), s.counter("runnerctl.instances.started"))
}

func (s *LifecycleSuite) TestStart_WaitErrorReturnsPartialResult() {
	waitErr := errors.New("instance terminated")
	s.engine.waitErr = waitErr

	res, err := s.newManager("ci-runner").Start(s.ctx)
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, waitErr)
	assert.Equal(s.T(), "i-0001", res.InstanceID)
	assert.Equal(s.T(), []string{"token", "start", "wait"}, s.engine.calls)

	// The manager never tears down on its own.
	assert.Empty(s.T(), s.engine.terminated)
}

func (s *LifecycleSuite) TestStart_OnlineErrorReturnsPartialResult() {
	onlineErr := errors.New("runner not online")
	s.registrar.onlineErr = onlineErr

	res, err := s.newManager("ci-runner").Start(s.ctx)
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, onlineErr)
	assert.Equal(s.T(), Result{Label: "ci-runner", InstanceID: "i-0001"}, res)
	assert.Empty(s.T(), s.engine.terminated)
}

// ---------------------------------------------------------------------------
// Stop
// ---------------------------------------------------------------------------

func (s *LifecycleSuite) TestStop_Success() {
	require.NoError(s.T(), s.newManager("").Stop(s.ctx, "ci-runner", "i-0042"))

	assert.Equal(s.T(), []string{"terminate", "remove"}, s.engine.calls)
	assert.Equal(s.T(), []string{"i-0042"}, s.engine.terminated)
	assert.Equal(s.T(), []string{"ci-runner"}, s.registrar.removed)
	assert.Equal(s.T(), int64(1), s.counter("runnerctl.instances.terminated"))
}

func (s *LifecycleSuite) TestStop_TerminateErrorStillRemovesRunner() {
	termErr := errors.New("UnauthorizedOperation")
	s.engine.terminateErr = termErr

	err := s.newManager("").Stop(s.ctx, "ci-runner", "i-0042")
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, termErr)
	assert.Equal(s.T(), []string{"ci-runner"}, s.registrar.removed)
	assert.Zero(s.T(), s.counter("runnerctl.instances.terminated"))
}

func (s *LifecycleSuite) TestStop_BothFail() {
	termErr := errors.New("terminate failed")
	removeErr := errors.New("remove failed")
	s.engine.terminateErr = termErr
	s.registrar.removeErr = removeErr

	err := s.newManager("").Stop(s.ctx, "ci-runner", "i-0042")
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, termErr)
	assert.ErrorIs(s.T(), err, removeErr)
	assert.Equal(s.T(), int64(2), s.counter("runnerctl.failures"))
}

func (s *LifecycleSuite) TestStop_NoInstanceID() {
	require.NoError(s.T(), s.newManager("").Stop(s.ctx, "ci-runner", ""))

	assert.Equal(s.T(), []string{"remove"}, s.engine.calls)
	assert.Contains(s.T(), s.logBuf.String(), "skipping termination")
}

func (s *LifecycleSuite) TestStop_NoLabel() {
	require.NoError(s.T(), s.newManager("").Stop(s.ctx, "", "i-0042"))

	assert.Equal(s.T(), []string{"terminate"}, s.engine.calls)
	assert.Empty(s.T(), s.registrar.removed)
}

func TestNewLabel(t *testing.T) {
	assert.Regexp(t, `^runner-[0-9a-f]{8}$`, NewLabel())
}

func TestNew_NilLogger(t *testing.T) {
	m := New(Config{})
	require.NotNil(t, m.logger)
}
