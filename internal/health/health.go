// Package health reports the state of the runner runnerctl is driving
// over HTTP.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/terrpan/runnerctl/internal/buildinfo"
)

// Phase is the lifecycle step the process is in.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseOnline   Phase = "online"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
	PhaseFailed   Phase = "failed"
)

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Engine       string    `json:"engine"`
	Phase        Phase     `json:"phase"`
	Label        string    `json:"label,omitempty"`
	InstanceID   string    `json:"instance_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Status tracks the runner's phase.  It is safe for concurrent use.
type Status struct {
	engine string

	mu         sync.Mutex
	phase      Phase
	label      string
	instanceID string
	err        string
}

// NewStatus returns a Status for the given engine type in PhaseIdle.
func NewStatus(engine string) *Status {
	return &Status{engine: engine, phase: PhaseIdle}
}

// Set records a phase change.  Empty label or instanceID keep the
// previous values.
func (s *Status) Set(phase Phase, label, instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = phase
	if label != "" {
		s.label = label
	}
	if instanceID != "" {
		s.instanceID = instanceID
	}
	if phase != PhaseFailed {
		s.err = ""
	}
}

// Fail moves to PhaseFailed and records err.
func (s *Status) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = PhaseFailed
	if err != nil {
		s.err = err.Error()
	}
}

// Snapshot returns the current state as a Response.
func (s *Status) Snapshot() Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := "healthy"
	if s.phase == PhaseFailed {
		status = "unhealthy"
	}

	return Response{
		Status:       status,
		ServiceName:  "runnerctl",
		Version:      buildinfo.Version,
		Commit:       buildinfo.Commit,
		BuildTime:    buildinfo.BuildTime,
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		Engine:       s.engine,
		Phase:        s.phase,
		Label:        s.label,
		InstanceID:   s.instanceID,
		Error:        s.err,
		Timestamp:    time.Now().UTC(),
	}
}

// Handler responds with the current Snapshot: 200 OK, or 503 once a
// lifecycle step has failed.
func (s *Status) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := s.Snapshot()

		code := http.StatusOK
		if response.Phase == PhaseFailed {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(response)
	}
}
