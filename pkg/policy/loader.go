package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/ast"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 500 * time.Millisecond

// Loader reads write policies from .rego and .json files.
//
// A .rego file becomes a policy named after the file. Its package-scoped
// METADATA annotation may set the description and, under "custom", the
// severity, tags and scope of the policy:
//
//	# METADATA
//	# description: Guest SSIDs carry the guest- prefix
//	# custom:
//	#   severity: warning
//	#   paths: [Device.WiFi.SSID.]
//	#   data_models: [tr181]
//	#   manufacturers: ["Huawei*"]
//	package acme.guest
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

type cachedPolicy struct {
	policy  Policy
	modTime time.Time
}

// policyFile is a file to load. Explicit files fail the load on error;
// files found by walking a directory are skipped with a warning.
type policyFile struct {
	path     string
	explicit bool
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads the policies found under a list of files and
// directories. Two files defining the same policy name are an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	files, err := collectPolicyFiles(paths)
	if err != nil {
		return nil, err
	}

	var policies []Policy
	sources := make(map[string]string)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := l.loadFromFile(ctx, f.path)
		if err != nil {
			if f.explicit {
				return nil, fmt.Errorf("failed to load from path %s: %w", f.path, err)
			}
			l.logger.Warn().Err(err).Str("path", f.path).Msg("Skipping policy file")
			continue
		}
		if prev, dup := sources[p.Name]; dup {
			return nil, fmt.Errorf("policy %s is defined in both %s and %s", p.Name, prev, f.path)
		}
		sources[p.Name] = f.path
		policies = append(policies, *p)
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

func collectPolicyFiles(paths []string) ([]policyFile, error) {
	var files []policyFile
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
		}
		if !info.IsDir() {
			files = append(files, policyFile{path: root, explicit: true})
			continue
		}
		err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isPolicyFile(path) {
				files = append(files, policyFile{path: path})
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}
	return files, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

// loadFromFile loads one policy file. Parsed policies are cached until the
// file's modification time changes.
func (l *Loader) loadFromFile(ctx context.Context, filePath string) (*Policy, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	l.mu.Lock()
	cached, ok := l.cache[filePath]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		p := cached.policy
		return &p, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch filepath.Ext(filePath) {
	case ".rego":
		policy, err = parseRegoPolicy(filePath, data)
	case ".json":
		policy, err = parseJSONPolicy(data)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}
	if err != nil {
		return nil, err
	}
	policy.Source = filePath
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = info.ModTime()
	}
	policy.UpdatedAt = info.ModTime()

	if _, err := compileScope(policy.Scope); err != nil {
		return nil, fmt.Errorf("policy %s: %w", policy.Name, err)
	}

	l.mu.Lock()
	l.cache[filePath] = cachedPolicy{policy: *policy, modTime: info.ModTime()}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Str("policy", policy.Name).
		Int("scope_paths", len(policy.Scope.Paths)).
		Msg("Policy loaded from file")

	return policy, nil
}

func parseRegoPolicy(filePath string, data []byte) (*Policy, error) {
	src := string(data)
	module, err := ast.ParseModuleWithOpts(filePath, src, ast.ParserOptions{ProcessAnnotation: true})
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filePath, err)
	}

	policy := &Policy{
		Name:        strings.TrimSuffix(filepath.Base(filePath), ".rego"),
		Description: extractDescription(src),
		Rego:        src,
		Severity:    SeverityError,
		Enabled:     true,
	}
	for _, a := range module.Annotations {
		if a.Scope != "package" {
			continue
		}
		if a.Description != "" {
			policy.Description = a.Description
		}
		if err := applyCustomMetadata(policy, a.Custom); err != nil {
			return nil, fmt.Errorf("%s: %w", filePath, err)
		}
	}
	return policy, nil
}

// applyCustomMetadata copies the ACS-specific annotation keys onto policy.
func applyCustomMetadata(policy *Policy, custom map[string]interface{}) error {
	for key, raw := range custom {
		switch key {
		case "severity":
			s, ok := raw.(string)
			if !ok {
				return fmt.Errorf("severity must be a string")
			}
			policy.Severity = Severity(s)
		case "enabled":
			b, ok := raw.(bool)
			if !ok {
				return fmt.Errorf("enabled must be a boolean")
			}
			policy.Enabled = b
		case "tags", "paths", "data_models", "manufacturers", "product_classes":
			list, err := stringList(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			switch key {
			case "tags":
				policy.Tags = list
			case "paths":
				policy.Scope.Paths = list
			case "data_models":
				for _, m := range list {
					policy.Scope.DataModels = append(policy.Scope.DataModels, engine.DataModel(strings.ToLower(m)))
				}
			case "manufacturers":
				policy.Scope.Manufacturers = list
			case "product_classes":
				policy.Scope.ProductClasses = list
			}
		}
	}
	return nil
}

func stringList(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string or a list, got %T", raw)
	}
}

func parseJSONPolicy(data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if policy.Name == "" {
		return nil, fmt.Errorf("JSON policy has no name")
	}
	if policy.Rego == "" {
		return nil, fmt.Errorf("JSON policy %s has no rego source", policy.Name)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	return &policy, nil
}

// extractDescription joins the leading comment lines of a Rego file, up to
// the first code line or METADATA block.
func extractDescription(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" && len(parts) > 0 {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment == "METADATA" {
			break
		}
		if comment != "" && !strings.HasPrefix(comment, "package") {
			parts = append(parts, comment)
		}
	}
	return strings.Join(parts, " ")
}

// Watch calls reload with the policies under paths after every change to a
// policy file, until ctx is cancelled. Single files are watched through
// their directory so that editors replacing the file are seen.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	files := make(map[string]bool)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if !info.IsDir() {
			files[filepath.Clean(path)] = true
			err = watcher.Add(filepath.Dir(path))
		} else {
			err = addTree(watcher, path)
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch path")
		}
	}

	relevant := func(name string) bool {
		if !isPolicyFile(name) {
			return false
		}
		if files[filepath.Clean(name)] {
			return true
		}
		for _, p := range paths {
			if !files[filepath.Clean(p)] && isUnder(name, p) {
				return true
			}
		}
		return false
	}

	go l.watchLoop(ctx, watcher, relevant, func() {
		policies, err := l.LoadFromPaths(ctx, paths)
		if err == nil {
			err = reload(policies)
		}
		if err != nil {
			l.logger.Error().Err(err).Msg("Failed to reload policies")
			return
		}
		l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	})

	l.logger.Info().Int("paths", len(paths)).Msg("Started watching policy paths")
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, relevant func(string) bool, reload func()) {
	defer watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !relevant(event.Name) {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")
			pending = time.After(reloadDelay)

		case <-pending:
			pending = nil
			reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

// isUnder reports whether path is root or lies below it.
func isUnder(path, root string) bool {
	path, root = filepath.Clean(path), filepath.Clean(root)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// ClearCache drops every parsed policy.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cachedPolicy)
}
