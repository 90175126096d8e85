// Package profile resolves which agent profile should execute a run.
// Resolution is an external collaborator of the gateways; StaticResolver is
// the configuration-backed reference implementation.
package profile

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Profile describes an agent profile and the sessions and workspaces bound
// to it.
type Profile struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	Role       string   `json:"role,omitempty" yaml:"role"`
	Model      string   `json:"model,omitempty" yaml:"model"`
	Sessions   []string `json:"sessions,omitempty" yaml:"sessions"`
	Workspaces []string `json:"workspaces,omitempty" yaml:"workspaces"`
	Default    bool     `json:"default,omitempty" yaml:"default"`
}

// Status is the resolution result.
type Status string

const (
	StatusResolved    Status = "resolved"
	StatusNotResolved Status = "not_resolved"
)

// Scope names the binding a profile was resolved through.
type Scope string

const (
	ScopeExplicit  Scope = "explicit"
	ScopeSession   Scope = "session"
	ScopeWorkspace Scope = "workspace"
	ScopeDefault   Scope = "default"
)

// Request carries the identifiers a resolver may consult. Empty fields are
// ignored.
type Request struct {
	ProfileID        string `json:"profileId,omitempty"`
	SessionID        string `json:"sessionId,omitempty"`
	WorkspaceID      string `json:"workspaceId,omitempty"`
	DefaultProfileID string `json:"defaultProfileId,omitempty"`
}

// Resolution is the resolver's answer.
type Resolution struct {
	Status        Status `json:"status"`
	ProfileID     string `json:"profileId,omitempty"`
	ResolvedScope Scope  `json:"resolvedScope,omitempty"`
}

// Resolver maps request identifiers to a profile.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (Resolution, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, req Request) (Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, req Request) (Resolution, error) {
	return f(ctx, req)
}

// StaticResolver resolves against a fixed set of profiles. Precedence:
// explicit id, session binding, workspace binding, the request's default
// profile id, then the profile marked Default.
type StaticResolver struct {
	mu          sync.RWMutex
	profiles    map[string]Profile
	bySession   map[string]string
	byWorkspace map[string]string
	defaultID   string
}

// NewStaticResolver indexes profiles. A session or workspace bound to two
// profiles, a duplicate id or more than one default is an error.
func NewStaticResolver(profiles []Profile) (*StaticResolver, error) {
	r := &StaticResolver{
		profiles:    make(map[string]Profile, len(profiles)),
		bySession:   make(map[string]string),
		byWorkspace: make(map[string]string),
	}
	for _, p := range profiles {
		if p.ID == "" {
			return nil, fmt.Errorf("profile %q: id is required", p.Name)
		}
		if _, dup := r.profiles[p.ID]; dup {
			return nil, fmt.Errorf("profile %s: duplicate id", p.ID)
		}
		r.profiles[p.ID] = p
		for _, s := range p.Sessions {
			if other, ok := r.bySession[s]; ok {
				return nil, fmt.Errorf("session %s bound to both %s and %s", s, other, p.ID)
			}
			r.bySession[s] = p.ID
		}
		for _, w := range p.Workspaces {
			if other, ok := r.byWorkspace[w]; ok {
				return nil, fmt.Errorf("workspace %s bound to both %s and %s", w, other, p.ID)
			}
			r.byWorkspace[w] = p.ID
		}
		if p.Default {
			if r.defaultID != "" {
				return nil, fmt.Errorf("profiles %s and %s are both marked default", r.defaultID, p.ID)
			}
			r.defaultID = p.ID
		}
	}
	return r, nil
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, req Request) (Resolution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.profiles[req.ProfileID]; ok {
		return resolved(req.ProfileID, ScopeExplicit), nil
	}
	if id, ok := r.bySession[req.SessionID]; ok && req.SessionID != "" {
		return resolved(id, ScopeSession), nil
	}
	if id, ok := r.byWorkspace[req.WorkspaceID]; ok && req.WorkspaceID != "" {
		return resolved(id, ScopeWorkspace), nil
	}
	if _, ok := r.profiles[req.DefaultProfileID]; ok {
		return resolved(req.DefaultProfileID, ScopeDefault), nil
	}
	if r.defaultID != "" {
		return resolved(r.defaultID, ScopeDefault), nil
	}
	return Resolution{Status: StatusNotResolved}, nil
}

// Lookup returns the profile with id.
func (r *StaticResolver) Lookup(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	return p, ok
}

// Profiles returns every profile sorted by id.
func (r *StaticResolver) Profiles() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func resolved(id string, scope Scope) Resolution {
	return Resolution{Status: StatusResolved, ProfileID: id, ResolvedScope: scope}
}
