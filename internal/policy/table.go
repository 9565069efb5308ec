package policy

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// tableFile is the on-disk shape of the policy table.
type tableFile struct {
	DefaultHMILevel string              `yaml:"default_hmi_level"`
	Apps            map[string]tableApp `yaml:"apps"`
}

type tableApp struct {
	DefaultHMILevel  string   `yaml:"default_hmi_level"`
	AllowedFunctions []string `yaml:"allowed_functions"` // "*" allows everything
}

// Table is a yaml-backed Policy. Apps absent from the table fall back to
// the file's default level and an allow-all function set.
type Table struct {
	mu    sync.RWMutex
	table tableFile
	kms   int
}

// LoadTable reads the policy table from path. An empty path yields an
// empty permissive table.
func LoadTable(path string) (*Table, error) {
	t := &Table{}
	if path == "" {
		slog.Warn("policy table path empty, using permissive defaults")
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy table %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &t.table); err != nil {
		return nil, fmt.Errorf("failed to parse policy table %s: %w", path, err)
	}
	slog.Info("policy table loaded", "path", path, "apps", len(t.table.Apps))
	return t, nil
}

// CheckPermissions implements Policy.
func (t *Table) CheckPermissions(policyAppID, hmiLevel, functionName string, params []string) CheckResult {
	t.mu.RLock()
	defer t.mu.RUnlock()

	app, known := t.table.Apps[policyAppID]
	if !known || len(app.AllowedFunctions) == 0 {
		return CheckResult{Verdict: VerdictAllowed, AllowedParams: params}
	}
	for _, fn := range app.AllowedFunctions {
		if fn == "*" || fn == functionName {
			return CheckResult{Verdict: VerdictAllowed, AllowedParams: params}
		}
	}
	return CheckResult{Verdict: VerdictDisallowed}
}

// DefaultHMILevel implements Policy.
func (t *Table) DefaultHMILevel(policyAppID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if app, known := t.table.Apps[policyAppID]; known && app.DefaultHMILevel != "" {
		return app.DefaultHMILevel
	}
	return t.table.DefaultHMILevel
}

// AppsSearchStarted implements Policy.
func (t *Table) AppsSearchStarted() {
	slog.Debug("policy: apps search started")
}

// AppsSearchCompleted implements Policy.
func (t *Table) AppsSearchCompleted() {
	slog.Debug("policy: apps search completed")
}

// KmsChanged implements Policy.
func (t *Table) KmsChanged(kilometers int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kms = kilometers
}
