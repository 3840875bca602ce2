package engine

import (
	"context"
	"time"
)

// Transport reaches the device during a session. Implementations batch each
// call into a single round-trip.
type Transport interface {
	// ReadBatch reads concrete parameter paths. A per-path failure is reported
	// in the result map; a returned error is a session-level fault.
	ReadBatch(ctx context.Context, device DeviceIdentity, paths []Path) (map[Path]ReadResult, error)

	// WriteBatch writes parameter values and returns the per-path outcome.
	// A nil entry confirms the write. A returned error is a session-level fault.
	WriteBatch(ctx context.Context, device DeviceIdentity, values map[Path]Value) (map[Path]error, error)

	// DiscoverInstances lists the instance numbers of a multi-instance object.
	// An error built with NewReadError concerns only that object; any other
	// error is a session-level fault.
	DiscoverInstances(ctx context.Context, device DeviceIdentity, parent Path) ([]int, error)
}

// TagRepository persists device tags across sessions.
type TagRepository interface {
	// GetTag returns the persisted value of a tag and whether it exists.
	GetTag(ctx context.Context, deviceID, name string) (Value, bool, error)

	// CommitTags atomically writes every staged tag of a session.
	CommitTags(ctx context.Context, deviceID string, tags map[string]Value) error
}

// ParameterRepository persists the last known parameter state of a device.
// The engine seeds a session cache from it and saves the cache when the
// session ends, aborted sessions included: the cache only ever holds values
// the device reported or confirmed.
type ParameterRepository interface {
	LoadParameters(ctx context.Context, deviceID string) (*Snapshot, error)
	SaveParameters(ctx context.Context, deviceID string, snapshot *Snapshot) error
}

// SessionRecorder stores finished sessions for audit.
type SessionRecorder interface {
	RecordSession(ctx context.Context, result *SessionResult) error
}

// WriteGuard reviews the writes planned for a pass before they are sent.
// It returns a denial reason for every path that must not be written.
type WriteGuard interface {
	Review(ctx context.Context, contact Contact, writes []PlannedWrite) (map[Path]string, error)
}

// LogSink receives the structured log lines of a session.
type LogSink interface {
	Log(device DeviceIdentity, level LogLevel, msg string, fields map[string]interface{})
}

// IdentitySource yields device contacts to run sessions for.
type IdentitySource interface {
	// Identify returns the next contact. It returns io.EOF when exhausted.
	Identify(ctx context.Context) (Contact, error)
}

// Observer receives session lifecycle notifications, typically for metrics.
type Observer interface {
	SessionStarted()
	SessionFinished(status string, passes int, duration time.Duration)
	TransportCall(op string, paths int, duration time.Duration, err error)
	RuleFault(rule string)
	WritesDenied(n int)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) SessionStarted()                                {}
func (NopObserver) SessionFinished(string, int, time.Duration)     {}
func (NopObserver) TransportCall(string, int, time.Duration, error) {}
func (NopObserver) RuleFault(string)                               {}
func (NopObserver) WritesDenied(int)                               {}

// NopSink discards log lines.
type NopSink struct{}

func (NopSink) Log(DeviceIdentity, LogLevel, string, map[string]interface{}) {}
