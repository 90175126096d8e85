// Package contract provides the action contract registry and the middleware
// pipeline that validates, observes and audits every gateway call.
package contract

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Contract pairs the input and output schema of one action version.
type Contract struct {
	ActionID string  `json:"actionId"`
	Version  int     `json:"version"`
	Input    *Schema `json:"inputSchema"`
	Output   *Schema `json:"outputSchema,omitempty"`
}

// SchemaID returns the "<actionId>@<version>" identifier used in errors.
func (c Contract) SchemaID() string {
	return SchemaID(c.ActionID, c.Version)
}

// SchemaID formats an action id and version as "<actionId>@<version>".
func SchemaID(actionID string, version int) string {
	return fmt.Sprintf("%s@%d", actionID, version)
}

type contractKey struct {
	actionID string
	version  int
}

// Registry holds one contract per (actionId, version).
type Registry struct {
	mu        sync.RWMutex
	contracts map[contractKey]Contract
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{contracts: make(map[contractKey]Contract)}
}

// Register adds c to the registry. Registering an identical contract again is
// a no-op; registering a different schema under the same key is an error.
func (r *Registry) Register(c Contract) error {
	if c.ActionID == "" || c.Version < 1 {
		return fmt.Errorf("register contract: action id and version >= 1 are required")
	}
	if c.Input == nil {
		return fmt.Errorf("register contract %s: input schema is required", c.SchemaID())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := contractKey{c.ActionID, c.Version}
	if existing, ok := r.contracts[key]; ok {
		if reflect.DeepEqual(existing, c) {
			return nil
		}
		return fmt.Errorf("contract %s already registered with a different schema", c.SchemaID())
	}
	r.contracts[key] = c
	return nil
}

// MustRegister registers every contract and panics on conflict. Intended for
// package-level contract tables wired at construction time.
func (r *Registry) MustRegister(cs ...Contract) {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the contract registered for (actionID, version).
func (r *Registry) Lookup(actionID string, version int) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[contractKey{actionID, version}]
	return c, ok
}

// List returns all contracts sorted by action id then version.
func (r *Registry) List() []Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ActionID != out[j].ActionID {
			return out[i].ActionID < out[j].ActionID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// ValidateInput checks input against the contract for (actionID, version).
func (r *Registry) ValidateInput(actionID string, version int, input any) error {
	c, ok := r.Lookup(actionID, version)
	if !ok {
		return Runtimef("contract.validate", "no contract registered for %s", SchemaID(actionID, version))
	}
	errs, err := c.Input.Validate(input)
	if err != nil {
		return &ValidationError{SchemaID: c.SchemaID(), Errors: []string{err.Error()}}
	}
	if len(errs) > 0 {
		return &ValidationError{SchemaID: c.SchemaID(), Errors: errs}
	}
	return nil
}
