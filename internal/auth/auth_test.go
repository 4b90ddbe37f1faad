package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nkkko/feedhub/pkg/proto"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	config := DefaultConfig()
	config.Secret = "test-secret"
	config.CredentialPath = filepath.Join(t.TempDir(), "credential.yaml")

	p, err := NewProvider(config, NewMemoryRoleStore())
	require.NoError(t, err)
	return p
}

func TestCan_Hierarchy(t *testing.T) {
	assert.True(t, Can(RoleGuest, PermRead))
	assert.False(t, Can(RoleGuest, PermWrite))

	assert.True(t, Can(RoleUser, PermWrite))
	assert.True(t, Can(RoleUser, PermRead))
	assert.False(t, Can(RoleUser, PermDeleteAnyMessage))

	assert.True(t, Can(RoleAdmin, PermDeleteAnyMessage))
	assert.False(t, Can(RoleAdmin, PermAssignRole))

	assert.True(t, Can(RoleSuperadmin, PermAssignRole))
	assert.True(t, Can(RoleSuperadmin, PermRead))

	assert.False(t, Can("root", PermRead))
	assert.True(t, AtLeast(RoleAdmin, RoleUser))
	assert.False(t, AtLeast(RoleGuest, RoleUser))
}

func TestNewProvider_RequiresSecret(t *testing.T) {
	_, err := NewProvider(DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestLogin_EnsuresUserRoleAndNotifies(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	var seen []proto.AuthState
	unsubscribe := p.OnStateChange(func(s proto.AuthState) { seen = append(seen, s) })

	token, role, err := p.Login(ctx, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, role)
	assert.True(t, p.IsActive())
	assert.Equal(t, "alice", p.ActiveIdentity())

	identity, err := p.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity)

	// Same state again does not notify
	_, _, err = p.Login(ctx, "alice", false)
	require.NoError(t, err)

	require.NoError(t, p.AssignRole(ctx, "alice", RoleAdmin))
	_, role, err = p.Login(ctx, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role, "existing role is kept")

	p.Logout()
	unsubscribe()
	unsubscribe()
	_, _, err = p.Login(ctx, "bob", false)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, proto.Active("alice"), seen[0])
	assert.Equal(t, proto.Inactive(), seen[1])
}

func TestVerifyToken_Rejects(t *testing.T) {
	p := newTestProvider(t)

	_, err := p.VerifyToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewProvider(Config{Secret: "other", Issuer: "feedhub"}, nil)
	require.NoError(t, err)
	token, err := other.IssueToken("mallory", RoleSuperadmin)
	require.NoError(t, err)

	_, err = p.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAssignRole_Validation(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	assert.ErrorIs(t, p.AssignRole(ctx, "alice", "root"), ErrInvalidRole)
	assert.ErrorIs(t, p.AssignRole(ctx, "", RoleUser), ErrInvalidIdentity)

	role, err := p.RoleOf(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, RoleGuest, role)
}

func TestResumeLocal(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	assert.False(t, p.HasLocalCredentialRegistration())
	assert.ErrorIs(t, p.ResumeLocal(ctx), ErrNoCredential)

	_, _, err := p.Login(ctx, "alice", true)
	require.NoError(t, err)
	p.Logout()
	assert.True(t, p.HasLocalCredentialRegistration(), "logout keeps the registration")

	require.NoError(t, p.ResumeLocal(ctx))
	assert.Equal(t, proto.Active("alice"), p.State())
}

func TestRedisRoleStore(t *testing.T) {
	addr := os.Getenv("FEEDHUB_TEST_REDIS")
	if addr == "" {
		t.Skip("FEEDHUB_TEST_REDIS not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	store := NewRedisRoleStore(rdb, "feedhub-test:")
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))
	defer rdb.Del(ctx, store.keyRole("alice"))

	_, err := store.GetRole(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	created, err := store.SetRoleIfAbsent(ctx, "alice", RoleUser)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.SetRoleIfAbsent(ctx, "alice", RoleGuest)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, store.SetRole(ctx, "alice", RoleAdmin))
	role, err := store.GetRole(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role)
}
