package stores

import (
	"time"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

// WriteOutcome is what happened to a write of a session.
type WriteOutcome string

const (
	WriteOutcomeApplied WriteOutcome = "applied"
	WriteOutcomeFailed  WriteOutcome = "failed"
	WriteOutcomeDenied  WriteOutcome = "denied"
)

// Tag is a persisted device tag
type Tag struct {
	DeviceID  string       `json:"device_id"`
	Name      string       `json:"name"`
	Value     engine.Value `json:"value"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SessionRecord is the audit record of a finished session
type SessionRecord struct {
	ID          string               `json:"id"`
	DeviceID    string               `json:"device_id"`
	Status      engine.SessionStatus `json:"status"`
	Passes      int                  `json:"passes"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`
	Duration    time.Duration        `json:"duration"`
	Error       *string              `json:"error,omitempty"`
	Faults      []engine.RuleFault   `json:"faults,omitempty"`
}

// WriteRecord is one write of a recorded session
type WriteRecord struct {
	SessionID string       `json:"session_id"`
	Path      engine.Path  `json:"path"`
	Value     engine.Value `json:"value"`
	Outcome   WriteOutcome `json:"outcome"`
	Reason    *string      `json:"reason,omitempty"`
	Pass      int          `json:"pass"`
}

// LogRecord is one log line of a recorded session
type LogRecord struct {
	SessionID string                 `json:"session_id"`
	Seq       int                    `json:"seq"`
	Level     engine.LogLevel        `json:"level"`
	Rule      *string                `json:"rule,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	LoggedAt  time.Time              `json:"logged_at"`
}

// SessionFilter narrows ListSessions
type SessionFilter struct {
	DeviceID string
	Status   engine.SessionStatus
	Limit    int
	Offset   int
}
