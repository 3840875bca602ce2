package engine

import (
	"fmt"
	"time"
)

// DeclarationRecord is one entry of the session's declaration log.
type DeclarationRecord struct {
	Pass      int    `json:"pass"`
	Rule      string `json:"rule,omitempty"`
	Pattern   string `json:"pattern"`
	Freshness string `json:"freshness"`
	Desired   *Value `json:"desired,omitempty"`
}

// Session is one device contact. It is mutated only by the orchestrator.
type Session struct {
	ID      string        `json:"id"`
	Contact Contact       `json:"contact"`
	State   SessionState  `json:"state"`
	Status  SessionStatus `json:"status"`
	Pass    int           `json:"pass"`

	Declarations []DeclarationRecord `json:"declarations"`
	Logs         []LogEntry          `json:"logs,omitempty"`
}

// NewSession opens a session for contact.
func NewSession(id string, contact Contact) *Session {
	if contact.Timestamp.IsZero() {
		contact.Timestamp = time.Now().UTC()
	}
	if contact.DataModel == "" {
		contact.DataModel = DataModelTR098
	}
	return &Session{
		ID:      id,
		Contact: contact,
		State:   SessionStateOpen,
		Status:  SessionStatusRunning,
	}
}

// DeviceID returns the repository key of the session's device.
func (s *Session) DeviceID() string {
	return s.Contact.Device.ID()
}

// transition moves the session to next, rejecting moves the state machine does not allow.
func (s *Session) transition(next SessionState) error {
	if !s.State.CanTransitionTo(next) {
		return NewPermanentError(fmt.Sprintf("invalid session transition %s -> %s", s.State, next), nil).
			WithCode(ErrCodeInternal).
			WithDevice(s.DeviceID())
	}
	s.State = next
	return nil
}

func (s *Session) recordDeclaration(rule, pattern string, freshness Freshness, desired *Value) {
	s.Declarations = append(s.Declarations, DeclarationRecord{
		Pass:      s.Pass,
		Rule:      rule,
		Pattern:   pattern,
		Freshness: freshness.String(),
		Desired:   desired,
	})
}

func (s *Session) recordLog(level LogLevel, rule, msg string, fields map[string]interface{}) {
	s.Logs = append(s.Logs, LogEntry{
		Time:    s.Contact.Timestamp,
		Level:   level,
		Message: msg,
		Rule:    rule,
		Fields:  fields,
	})
}

// SessionResult summarizes a finished session.
type SessionResult struct {
	SessionID string         `json:"session_id"`
	Device    DeviceIdentity `json:"device"`
	Status    SessionStatus  `json:"status"`

	// Passes is the number of passes run.
	Passes int `json:"passes"`

	AppliedWrites []AppliedWrite       `json:"applied_writes"`
	FailedWrites  []FailedWrite        `json:"failed_writes,omitempty"`
	DeniedWrites  []FailedWrite        `json:"denied_writes,omitempty"`
	TagWrites     map[string]Value     `json:"tag_writes,omitempty"`
	Faults        []RuleFault          `json:"faults,omitempty"`
	Declarations  []*DeclarationResult `json:"declarations,omitempty"`
	Log           []DeclarationRecord  `json:"declaration_log,omitempty"`
	Logs          []LogEntry           `json:"logs,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`

	// Error is the transport fault that aborted the session, if any.
	Error string `json:"error,omitempty"`
}

// Declaration returns the last-pass result of the first declaration of pattern.
func (r *SessionResult) Declaration(pattern string) (*DeclarationResult, bool) {
	for _, d := range r.Declarations {
		if d.Pattern == pattern {
			return d, true
		}
	}
	return nil, false
}

// LogMessages returns the messages of every session log line.
func (r *SessionResult) LogMessages() []string {
	out := make([]string, 0, len(r.Logs))
	for _, l := range r.Logs {
		out = append(out, l.Message)
	}
	return out
}
