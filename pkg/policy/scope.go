package policy

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

// Scope restricts a policy to some devices and parameter paths. An empty
// field matches everything.
type Scope struct {
	// Paths are parameter path patterns. A pattern ending in "." covers the
	// whole subtree; "*" matches one path segment and "**" any number.
	Paths []string `json:"paths,omitempty"`

	// DataModels lists the data models the policy applies to.
	DataModels []engine.DataModel `json:"data_models,omitempty"`

	// Manufacturers and ProductClasses are glob patterns matched against the
	// device identity.
	Manufacturers  []string `json:"manufacturers,omitempty"`
	ProductClasses []string `json:"product_classes,omitempty"`
}

// IsZero reports whether the scope matches every write of every device.
func (s Scope) IsZero() bool {
	return len(s.Paths) == 0 && len(s.DataModels) == 0 &&
		len(s.Manufacturers) == 0 && len(s.ProductClasses) == 0
}

type compiledScope struct {
	paths          []glob.Glob
	dataModels     map[engine.DataModel]bool
	manufacturers  []glob.Glob
	productClasses []glob.Glob
}

func compileScope(s Scope) (*compiledScope, error) {
	cs := &compiledScope{}
	for _, p := range s.Paths {
		pattern := p
		if strings.HasSuffix(pattern, ".") {
			pattern += "**"
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid scope path %q: %w", p, err)
		}
		cs.paths = append(cs.paths, g)
	}
	if len(s.DataModels) > 0 {
		cs.dataModels = make(map[engine.DataModel]bool, len(s.DataModels))
		for _, m := range s.DataModels {
			if err := m.Validate(); err != nil {
				return nil, err
			}
			cs.dataModels[m] = true
		}
	}
	var err error
	if cs.manufacturers, err = compileGlobs("manufacturer", s.Manufacturers); err != nil {
		return nil, err
	}
	if cs.productClasses, err = compileGlobs("product class", s.ProductClasses); err != nil {
		return nil, err
	}
	return cs, nil
}

func compileGlobs(what string, patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid scope %s %q: %w", what, p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// appliesTo reports whether the policy should see a session with input.
func (cs *compiledScope) appliesTo(input *Input) bool {
	if cs.dataModels != nil && !cs.dataModels[engine.DataModel(input.DataModel)] {
		return false
	}
	return matchAny(cs.manufacturers, input.Device.Manufacturer) &&
		matchAny(cs.productClasses, input.Device.ProductClass)
}

// selectWrites returns the writes whose path is in scope.
func (cs *compiledScope) selectWrites(writes []WriteInput) []WriteInput {
	if len(cs.paths) == 0 {
		return writes
	}
	var out []WriteInput
	for _, w := range writes {
		if matchAny(cs.paths, w.Path) {
			out = append(out, w)
		}
	}
	return out
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
