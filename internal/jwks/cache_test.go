package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer serves a discovery document and a JWKS containing a single
// RSA key under knownKID, counting every hit to the JWKS endpoint.
func newTestServer(t *testing.T, knownKID string) (*httptest.Server, *int32) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keySet := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     knownKID,
		Algorithm: "RS256",
		Use:       "sig",
	}}}

	var fetches int32
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"jwks_uri": srv.URL + "/jwks",
			"issuer":   srv.URL,
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		json.NewEncoder(w).Encode(keySet)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &fetches
}

func TestCache_KeyForKIDCoalescesConcurrentUnknownKID(t *testing.T) {
	srv, fetches := newTestServer(t, "known-kid")

	cache := New(srv.URL, time.Hour)
	ks, err := cache.KeySet(context.Background())
	require.NoError(t, err)
	require.Len(t, ks.Key("known-kid"), 1)
	require.EqualValues(t, 1, atomic.LoadInt32(fetches), "priming fetch")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.KeyForKID(context.Background(), "unknown-kid")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 2, atomic.LoadInt32(fetches),
		"an unknown kid must trigger at most one refetch across concurrent callers")
}

func TestCache_KeyForKIDKnownKIDDoesNotRefetch(t *testing.T) {
	srv, fetches := newTestServer(t, "known-kid")

	cache := New(srv.URL, time.Hour)
	_, err := cache.KeySet(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(fetches))

	ks, err := cache.KeyForKID(context.Background(), "known-kid")
	require.NoError(t, err)
	assert.Len(t, ks.Key("known-kid"), 1)
	assert.EqualValues(t, 1, atomic.LoadInt32(fetches), "a known kid must not trigger a refetch")
}
