// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/stacklok/central-sso/pkg/networking"
)

// maxProfileSize bounds profile response bodies.
const maxProfileSize = 1 << 20

// profile is the supplementary user profile fetched after code exchange.
type profile struct {
	Subject string
	Email   string
	Name    string
}

// fetchProfile fetches the supplementary profile for the provider.
// It returns nil without error when the provider has no profile source.
func (c *OIDCClient) fetchProfile(ctx context.Context, token *oauth2.Token, subject string) (*profile, error) {
	if c.graphURL != "" {
		return c.fetchGraphProfile(ctx, token.AccessToken)
	}
	if c.oidcProvider.UserInfoEndpoint() == "" {
		return nil, nil
	}

	info, err := c.oidcProvider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	if info.Subject != "" && info.Subject != subject {
		return nil, ErrUserInfoSubjectMismatch
	}

	var extra struct {
		Name string `json:"name"`
	}
	if err := info.Claims(&extra); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo claims: %w", err)
	}
	return &profile{Subject: info.Subject, Email: info.Email, Name: extra.Name}, nil
}

// fetchGraphProfile reads the signed-in user from Microsoft Graph.
func (c *OIDCClient) fetchGraphProfile(ctx context.Context, accessToken string) (*profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.graphURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, networking.NewHTTPError(resp.StatusCode, c.graphURL, gjson.GetBytes(body, "error.code").String())
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("profile response is not valid JSON")
	}

	fields := gjson.GetManyBytes(body, "id", "mail", "userPrincipalName", "displayName")
	email := fields[1].String()
	if email == "" {
		email = fields[2].String()
	}
	return &profile{
		Subject: fields[0].String(),
		Email:   email,
		Name:    fields[3].String(),
	}, nil
}
