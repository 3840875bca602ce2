package engine

import (
	"encoding/json"
	"fmt"
)

// SessionState represents the position of a session in its state machine.
type SessionState string

const (
	// SessionStateOpen indicates the session was created but no rule has run yet.
	SessionStateOpen SessionState = "open"

	// SessionStateResolving indicates rule units are being evaluated.
	SessionStateResolving SessionState = "resolving"

	// SessionStateApplying indicates queued discoveries, reads and writes are being sent.
	SessionStateApplying SessionState = "applying"

	// SessionStateDone indicates the session finished without a transport failure.
	SessionStateDone SessionState = "done"

	// SessionStateAborted indicates the session was abandoned.
	SessionStateAborted SessionState = "aborted"
)

// sessionTransitions lists the states reachable from each state.
var sessionTransitions = map[SessionState][]SessionState{
	SessionStateOpen:      {SessionStateResolving, SessionStateAborted},
	SessionStateResolving: {SessionStateApplying, SessionStateAborted},
	SessionStateApplying:  {SessionStateResolving, SessionStateDone, SessionStateAborted},
}

// IsTerminal returns true if no further transition is possible.
func (s SessionState) IsTerminal() bool {
	return s == SessionStateDone || s == SessionStateAborted
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the session state is valid.
func (s SessionState) Validate() error {
	switch s {
	case SessionStateOpen, SessionStateResolving, SessionStateApplying,
		SessionStateDone, SessionStateAborted:
		return nil
	default:
		return fmt.Errorf("invalid session state: %s", s)
	}
}

// SessionStatus represents the terminal outcome of a session.
type SessionStatus string

const (
	// SessionStatusRunning is reported for sessions that have not finished.
	SessionStatusRunning SessionStatus = "running"

	// SessionStatusCompleted indicates the session converged.
	SessionStatusCompleted SessionStatus = "completed"

	// SessionStatusAborted indicates the session hit a transport session failure
	// and its staged tag writes were discarded.
	SessionStatusAborted SessionStatus = "aborted"

	// SessionStatusBudgetExceeded indicates the session did not converge within
	// the pass budget. Staged tag writes are still committed.
	SessionStatusBudgetExceeded SessionStatus = "budget-exceeded"
)

// IsTerminal returns true if the status represents a final outcome.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAborted ||
		s == SessionStatusBudgetExceeded
}

// Validate checks if the session status is valid.
func (s SessionStatus) Validate() error {
	switch s {
	case SessionStatusRunning, SessionStatusCompleted, SessionStatusAborted,
		SessionStatusBudgetExceeded:
		return nil
	default:
		return fmt.Errorf("invalid session status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s SessionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := SessionStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// Outcome is the per-path result of a declaration.
type Outcome string

const (
	// OutcomePending indicates the path still waits for a read or discovery.
	OutcomePending Outcome = "pending"

	// OutcomeSatisfied indicates the path holds an acceptable value and needs no write.
	OutcomeSatisfied Outcome = "satisfied"

	// OutcomeCorrected indicates a write was confirmed by the device.
	OutcomeCorrected Outcome = "corrected"

	// OutcomeWritePending indicates a write is queued for the current pass.
	OutcomeWritePending Outcome = "write-pending"

	// OutcomeUnresolved indicates the path could not be read or written.
	OutcomeUnresolved Outcome = "unresolved"

	// OutcomeDenied indicates a write-guard policy refused the write.
	OutcomeDenied Outcome = "denied"
)

// IsFinal returns true if the outcome will not change later in the session
// without another declaration.
func (o Outcome) IsFinal() bool {
	return o == OutcomeSatisfied || o == OutcomeCorrected ||
		o == OutcomeUnresolved || o == OutcomeDenied
}

// LogLevel is the severity of a session log line.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ParseLogLevel converts a string to a LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch LogLevel(s) {
	case LogLevelDebug, LogLevelWarn, LogLevelError:
		return LogLevel(s)
	case "warning":
		return LogLevelWarn
	default:
		return LogLevelInfo
	}
}

// DataModel identifies the root object of a device's parameter tree.
type DataModel string

const (
	// DataModelTR098 is the InternetGatewayDevice data model.
	DataModelTR098 DataModel = "tr098"

	// DataModelTR181 is the Device:2 data model.
	DataModelTR181 DataModel = "tr181"
)

// Root returns the first path segment of the data model.
func (m DataModel) Root() string {
	if m == DataModelTR181 {
		return "Device"
	}
	return "InternetGatewayDevice"
}

// Validate checks if the data model is known.
func (m DataModel) Validate() error {
	switch m {
	case DataModelTR098, DataModelTR181:
		return nil
	default:
		return fmt.Errorf("invalid data model: %s", m)
	}
}
