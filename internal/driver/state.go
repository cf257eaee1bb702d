package driver

import "go.uber.org/zap"

// State is one phase of a request's automation lifecycle
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateBlocked    State = "blocked"
	StateErrored    State = "errored"
)

// transitions enumerates the legal lifecycle edges
var transitions = map[State][]State{
	StateIdle:       {StateSubmitting, StateErrored},
	StateSubmitting: {StateStreaming, StateBlocked, StateErrored},
	StateStreaming:  {StateCompleted, StateBlocked, StateErrored},
}

// machine tracks the per-request automation state
type machine struct {
	state  State
	reqID  string
	logger *zap.Logger
}

func newMachine(reqID string, logger *zap.Logger) *machine {
	return &machine{state: StateIdle, reqID: reqID, logger: logger}
}

// to moves the machine to next. Illegal edges are logged; they indicate a
// driver bug, not an upstream condition.
func (m *machine) to(next State) {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return
		}
	}
	m.logger.Error("illegal automation state transition",
		zap.String("request", m.reqID),
		zap.String("from", string(m.state)),
		zap.String("to", string(next)))
	m.state = next
}
