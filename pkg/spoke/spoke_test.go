// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package spoke

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/central-sso/pkg/sso/claims"
	"github.com/stacklok/central-sso/pkg/sso/signer"
)

type broker struct {
	srv     *httptest.Server
	keys    *signer.GeneratingProvider
	fetches atomic.Int32
}

func newBroker(t *testing.T) *broker {
	t.Helper()
	b := &broker{keys: signer.NewGeneratingProvider("")}
	sgn := b.signer(t, "https://unused.example.com", nil)
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != jwksPath {
			http.NotFound(w, r)
			return
		}
		b.fetches.Add(1)
		set, err := sgn.PublicKeySet(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *broker) signer(t *testing.T, issuer string, now func() time.Time) *signer.Signer {
	t.Helper()
	var opts []signer.Option
	if now != nil {
		opts = append(opts, signer.WithClock(now))
	}
	sgn, err := signer.New(b.keys, signer.Config{Issuer: issuer, Audience: []string{"portal"}}, opts...)
	require.NoError(t, err)
	return sgn
}

func (b *broker) issue(t *testing.T, issuer string, now func() time.Time, set claims.ClaimSet) string {
	t.Helper()
	raw, err := b.signer(t, issuer, now).Sign(context.Background(), set)
	require.NoError(t, err)
	return raw
}

func (b *broker) verifier(t *testing.T, audience string) *Verifier {
	t.Helper()
	v, err := NewVerifier(context.Background(), Config{
		Issuer:     b.srv.URL,
		Audience:   audience,
		HTTPClient: b.srv.Client(),
	})
	require.NoError(t, err)
	return v
}

func sampleSet(aud ...string) claims.ClaimSet {
	return claims.ClaimSet{
		Subject: "user-1",
		Identity: claims.Identity{
			Email:      "ada@example.com",
			Status:     "active",
			IDPSubject: "oid-1",
		},
		Apps: map[string]claims.AppClaims{
			"crm": {UID: "crm-7", Roles: []string{"viewer"}},
		},
		Audience: aud,
	}
}

func TestNewVerifier(t *testing.T) {
	t.Parallel()

	_, err := NewVerifier(context.Background(), Config{})
	require.Error(t, err)

	v, err := NewVerifier(context.Background(), Config{Issuer: "https://sso.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://sso.example.com/.well-known/jwks.json", v.JWKSURL())

	v, err = NewVerifier(context.Background(), Config{
		Issuer:  "https://sso.example.com",
		JWKSURL: "https://keys.example.com/jwks",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://keys.example.com/jwks", v.JWKSURL())
}

func TestVerify(t *testing.T) {
	t.Parallel()

	b := newBroker(t)
	issuer := b.srv.URL
	v := b.verifier(t, "crm")

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		set, err := v.Verify(context.Background(), b.issue(t, issuer, nil, sampleSet("crm")))
		require.NoError(t, err)
		assert.Equal(t, "user-1", set.Subject)
		assert.Equal(t, "ada@example.com", set.Identity.Email)
		assert.Equal(t, []string{"viewer"}, set.Apps["crm"].Roles)
		assert.Equal(t, []string{"crm"}, set.Audience)
	})

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		past := func() time.Time { return time.Now().Add(-time.Hour) }
		_, err := v.Verify(context.Background(), b.issue(t, issuer, past, sampleSet("crm")))
		require.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		t.Parallel()
		_, err := v.Verify(context.Background(), b.issue(t, "https://other.example.com", nil, sampleSet("crm")))
		require.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("wrong audience", func(t *testing.T) {
		t.Parallel()
		_, err := v.Verify(context.Background(), b.issue(t, issuer, nil, sampleSet("billing")))
		require.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("unknown key", func(t *testing.T) {
		t.Parallel()
		other := newBroker(t)
		_, err := v.Verify(context.Background(), other.issue(t, issuer, nil, sampleSet("crm")))
		require.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		_, err := v.Verify(context.Background(), "not-a-jwt")
		require.ErrorIs(t, err, ErrTokenInvalid)
	})
}

func TestVerifyWithoutAudience(t *testing.T) {
	t.Parallel()

	b := newBroker(t)
	v := b.verifier(t, "")
	set, err := v.Verify(context.Background(), b.issue(t, b.srv.URL, nil, sampleSet()))
	require.NoError(t, err)
	assert.Equal(t, []string{"portal"}, set.Audience)
}

func TestVerifyUnreachableKeys(t *testing.T) {
	t.Parallel()

	b := newBroker(t)
	token := b.issue(t, b.srv.URL, nil, sampleSet("crm"))

	v, err := NewVerifier(context.Background(), Config{
		Issuer:     b.srv.URL,
		JWKSURL:    b.srv.URL + "/missing",
		HTTPClient: b.srv.Client(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = v.Verify(ctx, token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyCachesKeys(t *testing.T) {
	t.Parallel()

	b := newBroker(t)
	v := b.verifier(t, "crm")
	for range 5 {
		_, err := v.Verify(context.Background(), b.issue(t, b.srv.URL, nil, sampleSet("crm")))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), b.fetches.Load())
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	b := newBroker(t)
	v := b.verifier(t, "crm")

	r := chi.NewRouter()
	r.Use(v.Middleware)
	r.Get("/me", func(w http.ResponseWriter, r *http.Request) {
		set, ok := ClaimsFromContext(r.Context())
		if !assert.True(t, ok) {
			return
		}
		_, _ = w.Write([]byte(set.Identity.Email))
	})
	r.With(RequireRole("crm", "admin")).Get("/admin", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	do := func(path, auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	valid := b.issue(t, b.srv.URL, nil, sampleSet("crm"))
	expired := b.issue(t, b.srv.URL, func() time.Time { return time.Now().Add(-time.Hour) }, sampleSet("crm"))

	rec := do("/me", "Bearer "+valid)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ada@example.com", rec.Body.String())

	rec = do("/me", "bearer "+valid)
	assert.Equal(t, http.StatusOK, rec.Code)

	tests := []struct {
		name string
		auth string
		code string
	}{
		{"missing header", "", "invalid_token"},
		{"basic scheme", "Basic dXNlcjpwYXNz", "invalid_token"},
		{"empty bearer", "Bearer ", "invalid_token"},
		{"expired", "Bearer " + expired, "expired_token"},
		{"tampered", "Bearer " + valid + "x", "invalid_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do("/me", tt.auth)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, `Bearer error="`+tt.code+`"`, rec.Header().Get("WWW-Authenticate"))
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error)
		})
	}

	rec = do("/admin", "Bearer "+valid)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := sampleSet("crm")
	admin.Apps["crm"] = claims.AppClaims{UID: "crm-7", Roles: []string{"viewer", "admin"}}
	rec = do("/admin", "Bearer "+b.issue(t, b.srv.URL, nil, admin))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClaimsFromContext(t *testing.T) {
	t.Parallel()

	_, ok := ClaimsFromContext(context.Background())
	assert.False(t, ok)

	set := sampleSet()
	got, ok := ClaimsFromContext(WithClaims(context.Background(), &set))
	require.True(t, ok)
	assert.Same(t, &set, got)

	assert.Equal(t, context.Background(), WithClaims(context.Background(), nil))
}

func TestRequireRoleWithoutClaims(t *testing.T) {
	t.Parallel()

	h := RequireRole("crm", "viewer")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
