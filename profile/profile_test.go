package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolver(t *testing.T) *StaticResolver {
	t.Helper()
	r, err := NewStaticResolver([]Profile{
		{ID: "ops", Name: "Operations", Sessions: []string{"sess-1"}},
		{ID: "research", Name: "Research", Workspaces: []string{"ws-1"}},
		{ID: "general", Name: "General", Default: true},
	})
	require.NoError(t, err)
	return r
}

func TestStaticResolver_Precedence(t *testing.T) {
	r := testResolver(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		req   Request
		id    string
		scope Scope
	}{
		{"explicit", Request{ProfileID: "research", SessionID: "sess-1"}, "research", ScopeExplicit},
		{"session", Request{SessionID: "sess-1", WorkspaceID: "ws-1"}, "ops", ScopeSession},
		{"workspace", Request{WorkspaceID: "ws-1", DefaultProfileID: "ops"}, "research", ScopeWorkspace},
		{"request default", Request{DefaultProfileID: "ops"}, "ops", ScopeDefault},
		{"configured default", Request{SessionID: "unknown"}, "general", ScopeDefault},
		{"unknown explicit falls through", Request{ProfileID: "ghost"}, "general", ScopeDefault},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := r.Resolve(ctx, tc.req)
			require.NoError(t, err)
			assert.Equal(t, StatusResolved, res.Status)
			assert.Equal(t, tc.id, res.ProfileID)
			assert.Equal(t, tc.scope, res.ResolvedScope)
		})
	}
}

func TestStaticResolver_NotResolved(t *testing.T) {
	r, err := NewStaticResolver([]Profile{{ID: "ops", Sessions: []string{"s"}}})
	require.NoError(t, err)
	res, err := r.Resolve(context.Background(), Request{SessionID: "other"})
	require.NoError(t, err)
	assert.Equal(t, StatusNotResolved, res.Status)
	assert.Empty(t, res.ProfileID)
}

func TestNewStaticResolver_RejectsConflicts(t *testing.T) {
	_, err := NewStaticResolver([]Profile{{ID: "a"}, {ID: "a"}})
	assert.Error(t, err)

	_, err = NewStaticResolver([]Profile{{ID: "a", Sessions: []string{"s"}}, {ID: "b", Sessions: []string{"s"}}})
	assert.Error(t, err)

	_, err = NewStaticResolver([]Profile{{ID: "a", Default: true}, {ID: "b", Default: true}})
	assert.Error(t, err)

	_, err = NewStaticResolver([]Profile{{Name: "nameless"}})
	assert.Error(t, err)
}

func TestStaticResolver_LookupAndList(t *testing.T) {
	r := testResolver(t)
	p, ok := r.Lookup("ops")
	require.True(t, ok)
	assert.Equal(t, "Operations", p.Name)

	var ids []string
	for _, p := range r.Profiles() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"general", "ops", "research"}, ids)
}
