// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package nativeauth

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/central-sso/pkg/sso/claims"
	"github.com/stacklok/central-sso/pkg/sso/datastore"
	"github.com/stacklok/central-sso/pkg/sso/signer"
	"github.com/stacklok/central-sso/pkg/sso/storage"
	"github.com/stacklok/central-sso/pkg/sso/tokens"
)

// scripted is one expected provider call and its canned reply.
type scripted struct {
	endpoint Endpoint
	check    func(t *testing.T, form url.Values)
	resp     *Response
	err      error
}

// fakeAPI replays a script of provider calls in order.
type fakeAPI struct {
	t         *testing.T
	mu        sync.Mutex
	script    []scripted
	calls     []Endpoint
	deadlines map[Endpoint]time.Time
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{t: t}
	t.Cleanup(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.Empty(t, f.script, "unconsumed provider calls")
	})
	return f
}

func (f *fakeAPI) on(endpoint Endpoint, resp *Response, err error) *fakeAPI {
	return f.onCheck(endpoint, nil, resp, err)
}

func (f *fakeAPI) onCheck(endpoint Endpoint, check func(t *testing.T, form url.Values), resp *Response, err error) *fakeAPI {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, scripted{endpoint: endpoint, check: check, resp: resp, err: err})
	return f
}

func (f *fakeAPI) Post(ctx context.Context, endpoint Endpoint, form url.Values) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpoint)
	if deadline, ok := ctx.Deadline(); ok {
		if f.deadlines == nil {
			f.deadlines = map[Endpoint]time.Time{}
		}
		f.deadlines[endpoint] = deadline
	}
	if len(f.script) == 0 {
		f.t.Errorf("unexpected provider call to %s", endpoint)
		return nil, &APIError{StatusCode: 500, Code: "unexpected_call"}
	}
	next := f.script[0]
	f.script = f.script[1:]
	if next.endpoint != endpoint {
		f.t.Errorf("provider call to %s, want %s", endpoint, next.endpoint)
	}
	if next.check != nil {
		next.check(f.t, form)
	}
	return next.resp, next.err
}

func (f *fakeAPI) deadline(endpoint Endpoint) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deadlines[endpoint]
	return d, ok
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func cont(token string) *Response {
	return &Response{ContinuationToken: token}
}

func idToken(t *testing.T, c jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("test-only"))
	require.NoError(t, err)
	return raw
}

func tokenResponse(t *testing.T, email, name string) *Response {
	t.Helper()
	c := jwt.MapClaims{"sub": "pairwise", "oid": "oid-" + email}
	if email != "" {
		c["email"] = email
	}
	if name != "" {
		c["name"] = name
	}
	return &Response{IDToken: idToken(t, c), AccessToken: "provider-at", ExpiresIn: 3600}
}

func wantForm(key, value string) func(t *testing.T, form url.Values) {
	return func(t *testing.T, form url.Values) {
		t.Helper()
		assert.Equal(t, value, form.Get(key), "form field %s", key)
	}
}

type harness struct {
	api    *fakeAPI
	orch   *Orchestrators
	conts  *Continuations
	signer *signer.Signer
	stores map[Stage]*storage.MemoryStore[Record]
}

func newHarness(t *testing.T, ds datastore.Store) *harness {
	t.Helper()

	sgn, err := signer.New(signer.NewGeneratingProvider(""), signer.Config{
		Issuer:   "https://sso.example.com",
		Audience: []string{"portal"},
	})
	require.NoError(t, err)

	svc := tokens.NewService(sgn, ds,
		storage.NewMemoryStore[tokens.ExchangeRecord]("exchange_codes"),
		storage.NewMemoryStore[tokens.RefreshRecord]("refresh_tokens"),
		tokens.Config{Fallback: claims.DefaultFallback()},
	)

	memStores := make(map[Stage]*storage.MemoryStore[Record], len(Stages))
	stores := make(map[Stage]storage.Store[Record], len(Stages))
	for _, s := range Stages {
		memStores[s] = storage.NewMemoryStore[Record]("continuation_" + string(s))
		stores[s] = memStores[s]
	}
	conts, err := NewContinuations(10*time.Minute, stores)
	require.NoError(t, err)

	api := newFakeAPI(t)
	opts := []Option{}
	if ds != nil {
		opts = append(opts, WithDatastore(ds))
	}
	orch := New(api, Config{
		Authority:         "https://tenant.ciamlogin.com/tenant.onmicrosoft.com",
		ClientID:          "native-client",
		ResetRetryDelay:   time.Millisecond,
		ResetPollAttempts: 3,
	}, svc, conts, opts...)

	return &harness{api: api, orch: orch, conts: conts, signer: sgn, stores: memStores}
}

func (h *harness) takeStored(t *testing.T, stage Stage, email string) bool {
	t.Helper()
	_, err := h.stores[stage].Consume(context.Background(), datastore.NormalizeEmail(email))
	return err == nil
}
