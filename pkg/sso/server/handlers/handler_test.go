// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/central-sso/pkg/sso/claims"
	"github.com/stacklok/central-sso/pkg/sso/metrics"
	"github.com/stacklok/central-sso/pkg/sso/nativeauth"
	"github.com/stacklok/central-sso/pkg/sso/redirect"
	"github.com/stacklok/central-sso/pkg/sso/server/middleware"
	"github.com/stacklok/central-sso/pkg/sso/signer"
	"github.com/stacklok/central-sso/pkg/sso/storage"
	"github.com/stacklok/central-sso/pkg/sso/tokens"
	"github.com/stacklok/central-sso/pkg/sso/upstream"
	"github.com/stacklok/central-sso/pkg/sso/upstream/mocks"
)

const (
	testIssuer  = "https://sso.example.com"
	appCallback = "https://app1.example.com/cb"
	appSignout  = "https://app1.example.com/bye"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// canned is one scripted native-auth API reply.
type canned struct {
	status int
	body   map[string]any
}

// fakeIdP serves scripted native-auth replies in order, per path.
type fakeIdP struct {
	t      *testing.T
	mu     sync.Mutex
	routes map[string][]canned
	forms  map[string][]url.Values
}

func (f *fakeIdP) on(endpoint nativeauth.Endpoint, status int, body map[string]any) *fakeIdP {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[string(endpoint)] = append(f.routes[string(endpoint)], canned{status: status, body: body})
	return f
}

func (f *fakeIdP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/tenant")
	queue := f.routes[path]
	if len(queue) == 0 {
		f.t.Errorf("unexpected native auth call to %s", path)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	f.routes[path] = queue[1:]

	if err := r.ParseForm(); err == nil {
		f.forms[path] = append(f.forms[path], r.PostForm)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(queue[0].status)
	_ = json.NewEncoder(w).Encode(queue[0].body)
}

func (f *fakeIdP) form(endpoint nativeauth.Endpoint, i int) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	forms := f.forms[string(endpoint)]
	if i >= len(forms) {
		return nil
	}
	return forms[i]
}

func idToken(t *testing.T, email, name string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"oid":   "oid-" + email,
		"email": email,
		"name":  name,
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

type harness struct {
	handler *Handler
	router  http.Handler
	entra   *mocks.MockClient
	google  *mocks.MockClient
	idp     *fakeIdP
	clock   *clock
	metrics *metrics.Metrics
}

type harnessOption func(*Deps)

func withLimiter(rpm int) harnessOption {
	return func(d *Deps) {
		d.Limiter = middleware.NewRateLimiter(rpm, d.Metrics)
	}
}

func withTrustedProxies(t *testing.T, cidrs ...string) harnessOption {
	t.Helper()
	trusted, err := middleware.ParseTrustedProxies(cidrs)
	require.NoError(t, err)
	return func(d *Deps) {
		d.TrustedProxies = trusted
	}
}

func withHealthCheck(name string, check HealthCheck) harnessOption {
	return func(d *Deps) {
		if d.HealthChecks == nil {
			d.HealthChecks = map[string]HealthCheck{}
		}
		d.HealthChecks[name] = check
	}
}

func withoutNative() harnessOption {
	return func(d *Deps) {
		d.Native = nil
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	clk := &clock{now: time.Now()}
	m := metrics.New()

	entra := mocks.NewMockClient(ctrl)
	entra.EXPECT().Provider().Return(upstream.MicrosoftEntra).AnyTimes()
	google := mocks.NewMockClient(ctrl)
	google.EXPECT().Provider().Return(upstream.Google).AnyTimes()
	registry, err := upstream.NewRegistry(upstream.MicrosoftEntra, entra, google)
	require.NoError(t, err)

	sgn, err := signer.New(signer.NewGeneratingProvider(""), signer.Config{
		Issuer:   testIssuer,
		Audience: []string{"portal"},
	}, signer.WithClock(clk.Now))
	require.NoError(t, err)

	svc := tokens.NewService(sgn, nil,
		storage.NewMemoryStore[tokens.ExchangeRecord]("exchange_codes", storage.WithClock(clk.Now)),
		storage.NewMemoryStore[tokens.RefreshRecord]("refresh_tokens", storage.WithClock(clk.Now)),
		tokens.Config{Fallback: claims.DefaultFallback()},
		tokens.WithClock(clk.Now),
		tokens.WithMetrics(m),
	)

	orch, err := redirect.New(registry,
		storage.NewMemoryStore[redirect.Session]("sessions", storage.WithClock(clk.Now)),
		svc,
		redirect.Config{
			AllowedRedirectURIs: []string{appCallback},
			AllowedLogoutURIs:   []string{appSignout},
		},
		redirect.WithMetrics(m),
	)
	require.NoError(t, err)

	idp := &fakeIdP{t: t, routes: map[string][]canned{}, forms: map[string][]url.Values{}}
	idpServer := httptest.NewServer(idp)
	t.Cleanup(idpServer.Close)

	nativeCfg := nativeauth.Config{
		Authority:         idpServer.URL + "/tenant",
		ClientID:          "native-client",
		ResetRetryDelay:   time.Millisecond,
		ResetPollAttempts: 2,
	}
	api, err := nativeauth.NewHTTPAPI(nativeCfg, idpServer.Client())
	require.NoError(t, err)

	stores := make(map[nativeauth.Stage]storage.Store[nativeauth.Record], len(nativeauth.Stages))
	for _, s := range nativeauth.Stages {
		stores[s] = storage.NewMemoryStore[nativeauth.Record]("continuation_"+string(s), storage.WithClock(clk.Now))
	}
	conts, err := nativeauth.NewContinuations(10*time.Minute, stores)
	require.NoError(t, err)

	deps := Deps{
		Redirect: orch,
		Tokens:   svc,
		Native:   nativeauth.New(api, nativeCfg, svc, conts, nativeauth.WithMetrics(m)),
		Signer:   sgn,
		Metrics:  m,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	h := New(deps)
	h.now = clk.Now
	return &harness{
		handler: h,
		router:  h.Routes(),
		entra:   entra,
		google:  google,
		idp:     idp,
		clock:   clk,
		metrics: m,
	}
}

func (h *harness) get(t *testing.T, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) post(t *testing.T, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw string
	switch b := body.(type) {
	case string:
		raw = b
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		raw = string(data)
	}
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:40000"
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	body := decode[errorResponse](t, rec)
	require.Equal(t, code, body.Error)
}

func stateCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == StateCookieName {
			return c
		}
	}
	t.Fatalf("response set no %s cookie", StateCookieName)
	return nil
}

// expectEntraLogin scripts an Entra authorization redirect and returns a
// pointer that receives the state the broker generated.
func expectEntraLogin(c *mocks.MockClient) *string {
	state := new(string)
	c.EXPECT().AuthorizationURL(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(s, _, _ string) string {
			*state = s
			return "https://login.example.com/authorize?state=" + url.QueryEscape(s)
		})
	return state
}

func expectExchange(c *mocks.MockClient, code string, user *claims.UpstreamUser, err error) {
	c.EXPECT().Exchange(gomock.Any(), code, gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, string, string) (*claims.UpstreamUser, error) {
			return user, err
		})
}

var testUser = &claims.UpstreamUser{
	Subject:  "entra-subject-1",
	Email:    "a@b.com",
	Name:     "Ada",
	Provider: "microsoft_entra",
}
