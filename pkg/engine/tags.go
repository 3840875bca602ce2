package engine

import (
	"context"
	"fmt"
	"sort"
)

// TagAnnotator gives rule units read and staged-write access to device tags.
// A tag is fetched from the repository at most once per session; writes are
// staged and reach the repository only through Commit.
type TagAnnotator struct {
	repo     TagRepository
	deviceID string

	fetched map[string]*Value
	staged  map[string]Value
	changed bool
}

// NewTagAnnotator creates an annotator for one device session.
func NewTagAnnotator(repo TagRepository, deviceID string) *TagAnnotator {
	return &TagAnnotator{
		repo:     repo,
		deviceID: deviceID,
		fetched:  make(map[string]*Value),
		staged:   make(map[string]Value),
	}
}

// Get returns the effective value of a tag: the staged value if any, else the
// persisted value.
func (a *TagAnnotator) Get(ctx context.Context, name string) (Value, bool, error) {
	if v, ok := a.staged[name]; ok {
		return v, true, nil
	}
	if v, ok := a.fetched[name]; ok {
		if v == nil {
			return Value{}, false, nil
		}
		return *v, true, nil
	}
	if a.repo == nil {
		a.fetched[name] = nil
		return Value{}, false, nil
	}

	v, ok, err := a.repo.GetTag(ctx, a.deviceID, name)
	if err != nil {
		return Value{}, false, fmt.Errorf("failed to get tag %q: %w", name, err)
	}
	if !ok {
		a.fetched[name] = nil
		return Value{}, false, nil
	}
	a.fetched[name] = &v
	return v, true, nil
}

// Set stages a tag write. Staging a value equal to the effective value is a no-op.
func (a *TagAnnotator) Set(ctx context.Context, name string, value Value) error {
	if name == "" {
		return NewPermanentError("tag name is required", nil).WithCode(ErrCodeValidation)
	}
	current, ok, err := a.Get(ctx, name)
	if err != nil {
		return err
	}
	if ok && current.Type == value.Type && current.Equal(value) {
		return nil
	}
	a.staged[name] = value
	a.changed = true
	return nil
}

// Staged returns a copy of the staged tag writes.
func (a *TagAnnotator) Staged() map[string]Value {
	out := make(map[string]Value, len(a.staged))
	for k, v := range a.staged {
		out[k] = v
	}
	return out
}

// StagedNames returns the staged tag names in sorted order.
func (a *TagAnnotator) StagedNames() []string {
	names := make([]string, 0, len(a.staged))
	for k := range a.staged {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// TakeChanged reports whether a staged value changed since the last call.
func (a *TagAnnotator) TakeChanged() bool {
	c := a.changed
	a.changed = false
	return c
}

// Commit writes every staged tag in one repository call. Nothing is written
// when no tag was staged.
func (a *TagAnnotator) Commit(ctx context.Context) error {
	if len(a.staged) == 0 || a.repo == nil {
		return nil
	}
	if err := a.repo.CommitTags(ctx, a.deviceID, a.Staged()); err != nil {
		return fmt.Errorf("failed to commit tags: %w", err)
	}
	for k, v := range a.staged {
		val := v
		a.fetched[k] = &val
	}
	a.staged = make(map[string]Value)
	return nil
}

// Discard drops every staged tag write.
func (a *TagAnnotator) Discard() {
	a.staged = make(map[string]Value)
	a.changed = false
}
