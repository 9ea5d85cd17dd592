package security

import (
	"context"
	"testing"

	"github.com/recallio/recall/internal/config"
	"github.com/stretchr/testify/require"
)

func TestResolveAPIKeyMode(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.APIKeys = map[string]string{"secret-1": "agent_one"}
	cfg.AdminUsers = "alice"
	cfg.AuditorUsers = "alice,charlie"
	r := NewTokenResolver(&cfg)

	id, err := r.Resolve(context.Background(), "bob", "secret-1", "")
	require.NoError(t, err)
	require.Equal(t, "bob", id.UserID)
	require.Equal(t, "agent_one", id.ClientID)
	require.False(t, id.IsAdmin)

	id, err = r.Resolve(context.Background(), "alice", "", "")
	require.NoError(t, err)
	require.True(t, id.IsAdmin)
	// Admin implies auditor and indexer.
	require.True(t, id.Roles[RoleAuditor])
	require.True(t, id.Roles[RoleIndexer])

	id, err = r.Resolve(context.Background(), "charlie", "", "")
	require.NoError(t, err)
	require.False(t, id.IsAdmin)
	require.True(t, id.Roles[RoleAuditor])
}

func TestResolveClientRoles(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.APIKeys = map[string]string{"secret-ix": "crawler"}
	cfg.IndexerClients = "crawler"
	r := NewTokenResolver(&cfg)

	id, err := r.Resolve(context.Background(), "dave", "secret-ix", "")
	require.NoError(t, err)
	require.True(t, id.Roles[RoleIndexer])
	require.False(t, id.IsAdmin)

	// An unknown API key resolves no client and grants nothing.
	id, err = r.Resolve(context.Background(), "dave", "bogus", "")
	require.NoError(t, err)
	require.Empty(t, id.ClientID)
	require.False(t, id.Roles[RoleIndexer])
}

func TestResolveClientIDHeaderOnlyInTesting(t *testing.T) {
	cfg := config.DefaultConfig()
	r := NewTokenResolver(&cfg)

	id, err := r.Resolve(context.Background(), "bob", "", "spoofed")
	require.NoError(t, err)
	require.Empty(t, id.ClientID)

	cfg.Mode = config.ModeTesting
	r = NewTokenResolver(&cfg)
	id, err = r.Resolve(context.Background(), "bob", "", "agent-x")
	require.NoError(t, err)
	require.Equal(t, "agent-x", id.ClientID)
}

func TestExtractTokenRoles(t *testing.T) {
	roles := extractTokenRoles(map[string]any{
		"roles":        []any{"admin", " "},
		"groups":       []string{"ops"},
		"scope":        "read write",
		"realm_access": map[string]any{"roles": []any{"auditor"}},
	})
	for _, want := range []string{"admin", "ops", "read", "write", "auditor"} {
		require.True(t, roles[want], "missing %s", want)
	}
	require.False(t, roles[""])
}
