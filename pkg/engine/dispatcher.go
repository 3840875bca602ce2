package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// SessionRunner runs one session. *Orchestrator implements it.
type SessionRunner interface {
	RunSession(ctx context.Context, contact Contact, script *RuleScript) (*SessionResult, error)
}

// ScriptSelector picks the rule script for a contact.
type ScriptSelector func(contact Contact) *RuleScript

// StaticScript selects the same script for every contact.
func StaticScript(script *RuleScript) ScriptSelector {
	return func(Contact) *RuleScript { return script }
}

// Dispatcher runs sessions for many devices concurrently. Sessions for
// different devices share no mutable state; a second concurrent contact from
// the same device is refused.
type Dispatcher struct {
	runner      SessionRunner
	selector    ScriptSelector
	maxParallel int
	sem         chan struct{}

	mu     sync.Mutex
	active map[string]bool
}

// NewDispatcher creates a dispatcher running at most maxParallel sessions at
// once, or DefaultMaxParallelSessions when maxParallel is not positive.
func NewDispatcher(runner SessionRunner, selector ScriptSelector, maxParallel int) *Dispatcher {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallelSessions
	}
	return &Dispatcher{
		runner:      runner,
		selector:    selector,
		maxParallel: maxParallel,
		sem:         make(chan struct{}, maxParallel),
		active:      make(map[string]bool),
	}
}

// Submit runs a session for contact, blocking while the dispatcher is at capacity.
func (d *Dispatcher) Submit(ctx context.Context, contact Contact) (*SessionResult, error) {
	deviceID := contact.Device.ID()
	if !d.acquireDevice(deviceID) {
		return nil, NewConflictError("device already has a session in progress", nil).
			WithCode(ErrCodeContactInProgress).
			WithDevice(deviceID)
	}
	defer d.releaseDevice(deviceID)

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-d.sem }()

	script := d.selector(contact)
	if script == nil {
		return nil, NewPermanentError("no rule script for device", nil).
			WithCode(ErrCodeNotFound).
			WithDevice(deviceID)
	}
	return d.runner.RunSession(ctx, contact, script)
}

// Active returns the number of devices with a session in progress.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *Dispatcher) acquireDevice(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active[id] {
		return false
	}
	d.active[id] = true
	return true
}

func (d *Dispatcher) releaseDevice(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, id)
}

// DispatchOutcome pairs a contact with the result of its session.
type DispatchOutcome struct {
	Contact Contact
	Result  *SessionResult
	Err     error
}

// RunAll runs a session for every contact yielded by source until it returns
// io.EOF, and returns the outcomes in contact order.
func (d *Dispatcher) RunAll(ctx context.Context, source IdentitySource) ([]DispatchOutcome, error) {
	var contacts []Contact
	for {
		c, err := source.Identify(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to identify contact: %w", err)
		}
		contacts = append(contacts, c)
	}

	outcomes := make([]DispatchOutcome, len(contacts))
	var wg sync.WaitGroup
	for i, c := range contacts {
		wg.Add(1)
		go func(i int, c Contact) {
			defer wg.Done()
			res, err := d.Submit(ctx, c)
			outcomes[i] = DispatchOutcome{Contact: c, Result: res, Err: err}
		}(i, c)
	}
	wg.Wait()
	return outcomes, nil
}

// ContactList is an IdentitySource over a fixed list of contacts.
type ContactList struct {
	mu       sync.Mutex
	contacts []Contact
}

// NewContactList creates an identity source yielding contacts in order.
func NewContactList(contacts ...Contact) *ContactList {
	return &ContactList{contacts: contacts}
}

// Identify implements IdentitySource.
func (l *ContactList) Identify(ctx context.Context) (Contact, error) {
	if err := ctx.Err(); err != nil {
		return Contact{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.contacts) == 0 {
		return Contact{}, io.EOF
	}
	c := l.contacts[0]
	l.contacts = l.contacts[1:]
	return c, nil
}
