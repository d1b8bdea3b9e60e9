// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package nativeauth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ssoerrors "github.com/stacklok/central-sso/pkg/errors"
)

func TestLogin(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	h.api.
		onCheck(EndpointInitiate, wantForm("username", "ada@example.com"), cont("ct-1"), nil).
		onCheck(EndpointChallenge, wantForm("continuation_token", "ct-1"),
			&Response{ContinuationToken: "ct-2", ChallengeType: "password"}, nil).
		onCheck(EndpointToken, wantForm("password", "s3cret!"), tokenResponse(t, "ada@example.com", "Ada"), nil)

	resp, err := h.orch.Login.Login(ctx, "ada@example.com", "s3cret!")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RefreshToken)

	set, err := h.signer.Verify(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", set.Identity.Email)
	assert.Equal(t, "oid-ada@example.com", set.Subject)
	assert.Contains(t, set.Apps, "portal")
}

// Whichever stage rejects the credentials, the caller sees the same error.
func TestLoginFailuresAreGeneric(t *testing.T) {
	t.Parallel()

	userNotFound := &APIError{StatusCode: 400, Code: "user_not_found"}
	badPassword := &APIError{StatusCode: 400, Code: "invalid_grant", ErrorCodes: []int{50126}}

	tests := []struct {
		name  string
		setup func(api *fakeAPI)
	}{
		{"unknown user at initiate", func(api *fakeAPI) {
			api.on(EndpointInitiate, nil, userNotFound)
		}},
		{"unknown user at challenge", func(api *fakeAPI) {
			api.on(EndpointInitiate, cont("ct-1"), nil).
				on(EndpointChallenge, nil, userNotFound)
		}},
		{"wrong password", func(api *fakeAPI) {
			api.on(EndpointInitiate, cont("ct-1"), nil).
				on(EndpointChallenge, cont("ct-2"), nil).
				on(EndpointToken, nil, badPassword)
		}},
		{"passwordless account", func(api *fakeAPI) {
			api.on(EndpointInitiate, cont("ct-1"), nil).
				on(EndpointChallenge, &Response{ContinuationToken: "ct-2", ChallengeType: "oob"}, nil)
		}},
		{"redirect required", func(api *fakeAPI) {
			api.on(EndpointInitiate, nil, ErrRedirectRequired)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			tt.setup(h.api)

			_, err := h.orch.Login.Login(context.Background(), "ada@example.com", "wrong")
			require.Error(t, err)
			assert.Equal(t, http.StatusUnauthorized, ssoerrors.HTTPStatus(err))
			code, desc := ssoerrors.Code(err)
			assert.Equal(t, ssoerrors.CodeInvalidGrant, code)
			assert.Equal(t, "invalid username or password", desc)
		})
	}
}

func TestLoginInfrastructureFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"provider down", &APIError{StatusCode: 503, Code: "http_error"}, http.StatusServiceUnavailable},
		{"network", &net.OpError{Op: "dial", Err: errors.New("refused")}, http.StatusServiceUnavailable},
		{"throttled", &APIError{StatusCode: 429, Code: "http_error"}, http.StatusTooManyRequests},
		{"bad client id", &APIError{StatusCode: 400, Code: "unauthorized_client"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			h.api.on(EndpointInitiate, nil, tt.err)

			_, err := h.orch.Login.Login(context.Background(), "ada@example.com", "pw")
			require.Error(t, err)
			assert.Equal(t, tt.wantStatus, ssoerrors.HTTPStatus(err))
		})
	}
}

func TestLoginRequiresCredentials(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, err := h.orch.Login.Login(context.Background(), "", "pw")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, ssoerrors.HTTPStatus(err))
	assert.Zero(t, h.api.callCount())
}
