package apitoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locallm/gateway/internal/domain"
)

// signedOfflineToken builds a structurally valid (but test-only) RS256 JWT
// carrying jti, standing in for what an authorization server would return
// from the token endpoint.
func signedOfflineToken(t *testing.T, jti string) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, nil)
	require.NoError(t, err)

	raw, err := jwt.Signed(signer).Claims(jwt.Claims{ID: jti}).Serialize()
	require.NoError(t, err)
	return raw
}

type fakeIssuer struct {
	token string
	err   error
}

func (f *fakeIssuer) IssueOfflineToken(ctx context.Context, sess domain.Session, scope domain.TokenScope) (string, error) {
	return f.token, f.err
}

func TestManager_CreatePersistsByMintedJTI(t *testing.T) {
	secret := signedOfflineToken(t, "jti-123")
	m := New(NewMemoryStore(), &fakeIssuer{token: secret})

	tok, gotSecret, err := m.Create(context.Background(), domain.Session{}, "user-1", "my laptop", domain.ScopeUser)
	require.NoError(t, err)
	assert.Equal(t, "jti-123", tok.ID)
	assert.Equal(t, secret, gotSecret)
	assert.Equal(t, domain.ApiTokenActive, tok.Status)
}

func TestManager_CreateSanitizesName(t *testing.T) {
	secret := signedOfflineToken(t, "jti-456")
	m := New(NewMemoryStore(), &fakeIssuer{token: secret})

	tok, _, err := m.Create(context.Background(), domain.Session{}, "user-1", "<script>alert(1)</script>laptop", domain.ScopeUser)
	require.NoError(t, err)
	assert.Equal(t, "laptop", tok.Name)
}

func TestManager_ListOnlyReturnsOwnedTokens(t *testing.T) {
	store := NewMemoryStore()
	m := New(store, &fakeIssuer{token: signedOfflineToken(t, "a")})

	_, _, err := m.Create(context.Background(), domain.Session{}, "user-1", "t1", domain.ScopeUser)
	require.NoError(t, err)

	m2 := New(store, &fakeIssuer{token: signedOfflineToken(t, "b")})
	_, _, err = m2.Create(context.Background(), domain.Session{}, "user-2", "t2", domain.ScopeUser)
	require.NoError(t, err)

	list, err := m.List(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t1", list[0].Name)
}

func TestManager_UpdateStatusRejectsNonOwner(t *testing.T) {
	store := NewMemoryStore()
	m := New(store, &fakeIssuer{token: signedOfflineToken(t, "jti-789")})

	tok, _, err := m.Create(context.Background(), domain.Session{}, "user-1", "t1", domain.ScopeUser)
	require.NoError(t, err)

	err = m.UpdateStatus(context.Background(), "user-2", tok.ID, domain.ApiTokenInactive)
	assert.ErrorIs(t, err, ErrForbidden)

	err = m.UpdateStatus(context.Background(), "user-1", tok.ID, domain.ApiTokenInactive)
	require.NoError(t, err)

	got, err := store.Get(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApiTokenInactive, got.Status)
}

func TestManager_CreatePropagatesIssuerError(t *testing.T) {
	m := New(NewMemoryStore(), &fakeIssuer{err: assertErr{}})
	_, _, err := m.Create(context.Background(), domain.Session{}, "user-1", "t1", domain.ScopeUser)
	assert.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "issuer unavailable" }
