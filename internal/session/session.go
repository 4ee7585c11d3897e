package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/tears-mysthrala/Oroitz/internal/config"
	"github.com/tears-mysthrala/Oroitz/internal/executor"
	"github.com/tears-mysthrala/Oroitz/internal/normalizer"
	"github.com/tears-mysthrala/Oroitz/internal/types"
)

// State is a session lifecycle state.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// validTransitions defines the session state machine. Terminal states have
// no outgoing edges and are immutable.
var validTransitions = map[State][]State{
	StateCreated: {StateRunning, StateCancelled},
	StateRunning: {StateCompleted, StateFailed, StateCancelled},
}

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// canTransition checks whether from→to is a legal edge.
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepResult is the final disposition of one workflow step: the attempt
// audit trail, the normalized record set, and how the result was obtained.
//
// Invariant: CacheHit is true iff no execution attempt was made, and a
// result is never both CacheHit and UsedFallback.
type StepResult struct {
	StepID       string              `json:"step_id"`
	Outcome      types.StepOutcome   `json:"outcome"`
	Attempts     []executor.Attempt  `json:"attempts,omitempty"`
	Records      []normalizer.Record `json:"records,omitempty"`
	Dropped      int                 `json:"dropped,omitempty"`
	CacheHit     bool                `json:"cache_hit"`
	UsedFallback bool                `json:"used_fallback"`
	Duration     time.Duration       `json:"duration"`
	Error        *types.OroitzError  `json:"error,omitempty"`
}

// ResultFilter selects a subset of StepResults. Empty fields act as
// wildcards; populated fields combine with AND logic.
type ResultFilter struct {
	StepIDs  []string
	Outcomes []types.StepOutcome
}

func (f ResultFilter) matches(r StepResult) bool {
	if len(f.StepIDs) > 0 && !containsString(f.StepIDs, r.StepID) {
		return false
	}
	if len(f.Outcomes) > 0 {
		matched := false
		for _, o := range f.Outcomes {
			if r.Outcome == o {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Session is the unit of orchestration: it binds one image to one workflow
// and accumulates the run history. StepResults are append-only and ordered
// identically to the resolved workflow's step sequence, regardless of
// completion order.
//
// A Session is owned by the caller that created it; concurrent reads are
// safe, but only the orchestrator mutates it.
type Session struct {
	mu sync.RWMutex

	id           types.ID
	image        types.ImageRef
	workflowName string
	cfg          config.Config

	state     State
	results   []StepResult
	failure   *types.OroitzError
	createdAt time.Time
	updatedAt time.Time

	cancelRequested bool
	cancel          func()
}

// newSession constructs a session in the created state with a
// configuration snapshot frozen at creation time.
func newSession(image types.ImageRef, workflowName string, cfg config.Config) *Session {
	now := time.Now().UTC()
	return &Session{
		id:           types.NewID(),
		image:        image,
		workflowName: workflowName,
		cfg:          cfg,
		state:        StateCreated,
		createdAt:    now,
		updatedAt:    now,
	}
}

// ID returns the session identity.
func (s *Session) ID() types.ID { return s.id }

// Image returns the bound image reference.
func (s *Session) Image() types.ImageRef { return s.image }

// WorkflowName returns the bound workflow name.
func (s *Session) WorkflowName() string { return s.workflowName }

// Config returns the configuration snapshot taken at creation.
func (s *Session) Config() config.Config { return s.cfg }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CreatedAt returns the creation timestamp.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// UpdatedAt returns the last mutation timestamp.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Failure returns the terminal failure cause, if any.
func (s *Session) Failure() *types.OroitzError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

// Results returns the StepResults accumulated so far that match the
// filter. Valid in any state; mid-run it exposes partial progress in
// workflow-declared order.
func (s *Session) Results(filter ResultFilter) []StepResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]StepResult, 0, len(s.results))
	for _, r := range s.results {
		if filter.matches(r) {
			out = append(out, r)
		}
	}
	return out
}

// transition moves the session to a new state, enforcing the state
// machine. Terminal states are immutable.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !canTransition(s.state, to) {
		return types.NewError(types.SESSION_INVALID_STATE,
			fmt.Sprintf("cannot transition session %s from %s to %s", s.id, s.state, to))
	}
	s.state = to
	s.updatedAt = time.Now().UTC()
	return nil
}

// appendResult appends one StepResult. Callers guarantee declared order.
func (s *Session) appendResult(r StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	s.updatedAt = time.Now().UTC()
}

// setFailure records the terminal failure cause.
func (s *Session) setFailure(err *types.OroitzError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		s.failure = err
	}
}

// requestCancel flags user cancellation and stops the run context if one
// is active.
func (s *Session) requestCancel() {
	s.mu.Lock()
	s.cancelRequested = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Session) cancelWasRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelRequested
}

func (s *Session) setCancelFunc(cancel func()) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// Snapshot is the persistable form of a Session.
type Snapshot struct {
	ID           types.ID           `json:"id"`
	ImagePath    string             `json:"image_path"`
	Fingerprint  string             `json:"fingerprint"`
	WorkflowName string             `json:"workflow_name"`
	State        State              `json:"state"`
	Config       config.Config      `json:"config"`
	Results      []StepResult       `json:"results"`
	Failure      *types.OroitzError `json:"failure,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Snapshot captures the session for persistence.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]StepResult, len(s.results))
	copy(results, s.results)

	return Snapshot{
		ID:           s.id,
		ImagePath:    s.image.Path,
		Fingerprint:  s.image.Fingerprint,
		WorkflowName: s.workflowName,
		State:        s.state,
		Config:       s.cfg,
		Results:      results,
		Failure:      s.failure,
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
}
