package policy

import (
	"fmt"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for violations that are logged but never block a write.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the write.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block the write and need attention.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the write.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Mode selects what the guard does with blocking violations.
type Mode string

const (
	// ModeEnforcing denies writes with blocking violations.
	ModeEnforcing Mode = "enforcing"

	// ModeAdvisory only logs violations.
	ModeAdvisory Mode = "advisory"
)

// Validate checks if the mode is known.
func (m Mode) Validate() error {
	switch m {
	case ModeEnforcing, ModeAdvisory:
		return nil
	default:
		return fmt.Errorf("invalid policy mode: %s", m)
	}
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. It must define a "deny" set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that carry none.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Scope limits the devices and writes the policy is evaluated against.
	Scope Scope `json:"scope,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Path is the parameter path of the offending write. Empty means the
	// violation applies to the whole batch.
	Path string `json:"path,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Input is the document policies are evaluated against, available as "input".
type Input struct {
	Device    DeviceInput  `json:"device"`
	DataModel string       `json:"data_model"`
	Root      string       `json:"root"`
	Timestamp time.Time    `json:"timestamp"`
	Events    []string     `json:"events"`
	Writes    []WriteInput `json:"writes"`
}

// DeviceInput identifies the device in policy input.
type DeviceInput struct {
	ID           string `json:"id"`
	Manufacturer string `json:"manufacturer"`
	OUI          string `json:"oui"`
	ProductClass string `json:"product_class"`
	SerialNumber string `json:"serial_number"`
}

// WriteInput is one planned write in policy input.
type WriteInput struct {
	Path     string  `json:"path"`
	Value    string  `json:"value"`
	Type     string  `json:"type"`
	Previous *string `json:"previous"`
}

// Result represents the result of evaluating every enabled policy.
type Result struct {
	// Allowed indicates that no blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists the non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}
