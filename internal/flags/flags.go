// Package flags is the feature flag registry. Flags resolve from built-in
// defaults, then an optional JSON config file, then environment variables,
// highest priority last. Runtime changes are reported through a callback so
// they can land in the event log.
package flags

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Mode gates gradual rollout of a capability.
type Mode string

const (
	ModeOff     Mode = ""
	ModeShadow  Mode = "shadow"
	ModeEnforce Mode = "enforce"
)

// State is the resolved state of one flag.
type State struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Mode        Mode   `json:"mode,omitempty"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"` // default | config | env | api
}

type defaultDef struct {
	enabled     bool
	mode        Mode
	description string
}

// Defaults are safe-on: disabling a capability is an explicit act.
var flagDefaults = map[string]defaultDef{
	"auto_classify":     {true, ModeShadow, "Overwrite intent risk level from computed score"},
	"audit_chain":       {true, ModeOff, "Event tamper-evidence chain"},
	"security_adapters": {true, ModeOff, "Security scanner integration"},
	"intake_control":    {true, ModeOff, "Adaptive intake throttling"},
	"review_tasks":      {true, ModeOff, "Human review task workflow"},
	"plan_coordination": {true, ModeOff, "Plan-based dependency enforcement"},
	"coherence_harness": {true, ModeShadow, "Pre-merge coherence harness"},
	"origin_policy":     {true, ModeOff, "Origin-type policy overrides"},
}

// ChangeFunc observes runtime flag changes, typically to append a
// feature_flag.changed event.
type ChangeFunc func(name string, enabled bool, mode Mode)

// Registry holds resolved flag state. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	flags    map[string]*State
	onChange ChangeFunc
}

// configSearchPaths is checked in order; the first existing file wins.
var configSearchPaths = []string{".converge/flags.json", "flags.json"}

// New resolves the registry from defaults, the first flags file found, and
// the environment. A malformed flags file is a hard error; missing files
// are not.
func New(onChange ChangeFunc) (*Registry, error) {
	r := &Registry{flags: make(map[string]*State), onChange: onChange}
	for name, def := range flagDefaults {
		r.flags[name] = &State{
			Name:        name,
			Enabled:     def.enabled,
			Mode:        def.mode,
			Description: def.description,
			Source:      "default",
		}
	}
	if err := r.applyConfigFile(); err != nil {
		return nil, err
	}
	r.applyEnv()
	return r, nil
}

type fileFlag struct {
	Enabled *bool `json:"enabled"`
	Mode    *Mode `json:"mode"`
}

func (r *Registry) applyConfigFile() error {
	for _, path := range configSearchPaths {
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("flags: read %s: %w", path, err)
		}
		var data map[string]json.RawMessage
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("flags: parse %s: %w", path, err)
		}
		for name, rawCfg := range data {
			state, ok := r.flags[name]
			if !ok {
				continue
			}
			// Either a bare bool or an {enabled, mode} object.
			var b bool
			if err := json.Unmarshal(rawCfg, &b); err == nil {
				state.Enabled = b
				state.Source = "config"
				continue
			}
			var cfg fileFlag
			if err := json.Unmarshal(rawCfg, &cfg); err != nil {
				return fmt.Errorf("flags: parse %s: flag %s: %w", path, name, err)
			}
			if cfg.Enabled != nil {
				state.Enabled = *cfg.Enabled
			}
			if cfg.Mode != nil {
				state.Mode = *cfg.Mode
			}
			state.Source = "config"
		}
		return nil
	}
	return nil
}

func (r *Registry) applyEnv() {
	for name, state := range r.flags {
		key := "CONVERGE_FF_" + strings.ToUpper(name)
		if v, ok := os.LookupEnv(key); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				state.Enabled = true
			default:
				state.Enabled = false
			}
			state.Source = "env"
		}
		if v, ok := os.LookupEnv(key + "_MODE"); ok {
			state.Mode = Mode(strings.ToLower(v))
			state.Source = "env"
		}
	}
}

// IsEnabled reports whether a flag is on. Unknown flags default to enabled
// so new capabilities are not silently dead behind a stale registry.
func (r *Registry) IsEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.flags[name]
	if !ok {
		return true
	}
	return state.Enabled
}

// GetMode returns the rollout mode for a flag, empty for unknown flags.
func (r *Registry) GetMode(name string) Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.flags[name]
	if !ok {
		return ModeOff
	}
	return state.Mode
}

// Enforced reports whether a flag is both enabled and in enforce mode.
func (r *Registry) Enforced(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.flags[name]
	if !ok {
		return false
	}
	return state.Enabled && state.Mode == ModeEnforce
}

// List returns all flags sorted by name.
func (r *Registry) List() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]State, 0, len(r.flags))
	for _, s := range r.flags {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Set changes a flag at runtime and notifies the change callback. Unknown
// flags are an error; runtime changes only reconfigure, never define.
func (r *Registry) Set(name string, enabled *bool, mode *Mode) (State, error) {
	r.mu.Lock()
	state, ok := r.flags[name]
	if !ok {
		r.mu.Unlock()
		return State{}, fmt.Errorf("flags: unknown flag %q", name)
	}
	if enabled != nil {
		state.Enabled = *enabled
	}
	if mode != nil {
		state.Mode = *mode
	}
	state.Source = "api"
	snapshot := *state
	r.mu.Unlock()

	if r.onChange != nil {
		r.onChange(snapshot.Name, snapshot.Enabled, snapshot.Mode)
	}
	return snapshot, nil
}
