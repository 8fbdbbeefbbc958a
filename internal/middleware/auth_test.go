package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locallm/gateway/internal/config"
	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/session"
	"github.com/locallm/gateway/internal/token"
)

type fakeTokens struct {
	bearerScope   domain.TokenScope
	bearerErr     error
	refreshCalls  int
	refreshResult domain.Session
	refreshErr    error
	claimsResult  token.Claims
	claimsErr     error
}

func (f *fakeTokens) ValidateBearer(ctx context.Context, headerValue string) (string, domain.TokenScope, error) {
	if f.bearerErr != nil {
		return "", 0, f.bearerErr
	}
	return "jti", f.bearerScope, nil
}

func (f *fakeTokens) RefreshSession(ctx context.Context, sess domain.Session, threshold time.Duration) (domain.Session, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return domain.Session{}, f.refreshErr
	}
	return f.refreshResult, nil
}

func (f *fakeTokens) Claims(ctx context.Context, accessToken string) (token.Claims, error) {
	return f.claimsResult, f.claimsErr
}

func TestAuth_NonAuthModeBypasses(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)
	_, err := config.Init([]string{"--auth-mode=none", "--issuer=https://issuer.example"})
	require.NoError(t, err)

	store := session.NewMemoryStore()
	t.Cleanup(store.Stop)

	handler := Auth(&fakeTokens{}, store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(RoleHeader))
		assert.Empty(t, r.Header.Get(ScopeHeader))
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_BearerInjectsScopeHeader(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)
	_, err := config.Init([]string{"--issuer=https://issuer.example"})
	require.NoError(t, err)

	store := session.NewMemoryStore()
	t.Cleanup(store.Stop)

	fake := &fakeTokens{bearerScope: domain.ScopeAdmin}
	var gotScope string
	handler := Auth(fake, store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotScope = r.Header.Get(ScopeHeader)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer sometoken")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.ScopeAdmin.String(), gotScope)
}

func TestAuth_BearerRejectsInvalidToken(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)
	_, err := config.Init([]string{"--issuer=https://issuer.example"})
	require.NoError(t, err)

	store := session.NewMemoryStore()
	t.Cleanup(store.Stop)

	fake := &fakeTokens{bearerErr: assertError{}}
	handler := Auth(fake, store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer bad")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

type assertError struct{}

func (assertError) Error() string { return "invalid" }

func TestAuth_SessionRefreshIdempotentUnderConcurrency(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)
	_, err := config.Init([]string{"--issuer=https://issuer.example", "--session-refresh-threshold-seconds=3600"})
	require.NoError(t, err)

	store := session.NewMemoryStore()
	t.Cleanup(store.Stop)

	sess, err := store.Create(context.Background(), domain.Session{
		AccessToken:     "old",
		RefreshToken:    "refresh",
		AccessExpiresAt: time.Now().Add(time.Second),
	})
	require.NoError(t, err)

	fake := &fakeTokens{
		refreshResult: domain.Session{ID: sess.ID, AccessToken: "new", RefreshToken: "refresh2", AccessExpiresAt: time.Now().Add(2 * time.Hour)},
		claimsResult:  token.Claims{Role: domain.RoleUser, HasRole: true},
	}

	handler := Auth(fake, store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
			req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sess.ID})
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, 1, fake.refreshCalls, "concurrent near-expiry requests must collapse to one refresh")
}

func TestRequire_DecisionTable(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)
	_, err := config.Init([]string{"--issuer=https://issuer.example"})
	require.NoError(t, err)

	admin := domain.RoleAdmin
	powerUser := domain.RolePowerUser
	scopePowerUser := domain.ScopePowerUser

	cases := []struct {
		name       string
		roleHdr    string
		scopeHdr   string
		reqRole    *domain.Role
		reqScope   *domain.TokenScope
		wantStatus int
	}{
		{"role satisfies requirement", domain.RoleAdmin.String(), "", &admin, nil, http.StatusOK},
		{"role below requirement", domain.RolePowerUser.String(), "", &admin, nil, http.StatusForbidden},
		{"scope satisfies requirement", "", domain.ScopeAdmin.String(), &powerUser, &scopePowerUser, http.StatusOK},
		{"scope-bearing token denied on session-only route", "", domain.ScopeAdmin.String(), &powerUser, nil, http.StatusForbidden},
		{"no headers denied", "", "", &admin, nil, http.StatusForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := Require(tc.reqRole, tc.reqScope)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.roleHdr != "" {
				req.Header.Set(RoleHeader, tc.roleHdr)
			}
			if tc.scopeHdr != "" {
				req.Header.Set(ScopeHeader, tc.scopeHdr)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tc.wantStatus, w.Code)
		})
	}
}

func TestRequire_NonAuthModeIsNoOp(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)
	_, err := config.Init([]string{"--auth-mode=none", "--issuer=https://issuer.example"})
	require.NoError(t, err)

	admin := domain.RoleAdmin
	handler := Require(&admin, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/dev/secrets", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
