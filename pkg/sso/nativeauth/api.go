// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package nativeauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/central-sso/pkg/logger"
)

const (
	// DefaultResetRetryDelay is the wait before retrying sign-in after a reset.
	DefaultResetRetryDelay = 2 * time.Second

	// DefaultResetPollAttempts bounds poll_completion calls after a reset submit.
	DefaultResetPollAttempts = 5

	// challengeTypes is advertised on every call that starts or challenges a flow.
	challengeTypes = "oob password redirect"

	// maxResponseBodySize is the maximum size for reading response bodies (1 MB)
	maxResponseBodySize = 1 << 20
)

// DefaultScopes are requested when the final token is redeemed.
var DefaultScopes = []string{"openid", "profile", "email", "offline_access"}

// Endpoint is a native authentication API path relative to the authority.
type Endpoint string

// Native authentication endpoints.
const (
	EndpointInitiate        Endpoint = "/oauth2/v2.0/initiate"
	EndpointChallenge       Endpoint = "/oauth2/v2.0/challenge"
	EndpointToken           Endpoint = "/oauth2/v2.0/token"
	EndpointSignupStart     Endpoint = "/signup/v1.0/start"
	EndpointSignupChallenge Endpoint = "/signup/v1.0/challenge"
	EndpointSignupContinue  Endpoint = "/signup/v1.0/continue"
	EndpointResetStart      Endpoint = "/resetpassword/v1.0/start"
	EndpointResetChallenge  Endpoint = "/resetpassword/v1.0/challenge"
	EndpointResetContinue   Endpoint = "/resetpassword/v1.0/continue"
	EndpointResetSubmit     Endpoint = "/resetpassword/v1.0/submit"
	EndpointResetPoll       Endpoint = "/resetpassword/v1.0/poll_completion"
)

// ErrRedirectRequired is returned when the provider answers with the
// "redirect" challenge type: the account cannot use native authentication.
var ErrRedirectRequired = errors.New("identity provider requires browser sign-in")

// Response is a successful native authentication response. Which fields are
// set depends on the endpoint.
type Response struct {
	ContinuationToken    string `json:"continuation_token,omitempty"`
	ChallengeType        string `json:"challenge_type,omitempty"`
	ChallengeChannel     string `json:"challenge_channel,omitempty"`
	ChallengeTargetLabel string `json:"challenge_target_label,omitempty"`
	BindingMethod        string `json:"binding_method,omitempty"`
	CodeLength           int    `json:"code_length,omitempty"`
	PollInterval         int    `json:"poll_interval,omitempty"`
	Status               string `json:"status,omitempty"`
	IDToken              string `json:"id_token,omitempty"`
	AccessToken          string `json:"access_token,omitempty"`
	ExpiresIn            int64  `json:"expires_in,omitempty"`
}

// Attribute is a user attribute named in a provider error.
type Attribute struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// APIError is an error response from the native authentication API.
// Some error codes carry a continuation token and signal an expected
// intermediate step rather than a failure.
type APIError struct {
	StatusCode         int         `json:"-"`
	Code               string      `json:"error"`
	SubError           string      `json:"suberror,omitempty"`
	Description        string      `json:"error_description,omitempty"`
	ErrorCodes         []int       `json:"error_codes,omitempty"`
	ContinuationToken  string      `json:"continuation_token,omitempty"`
	RequiredAttributes []Attribute `json:"required_attributes,omitempty"`
	InvalidAttributes  []Attribute `json:"invalid_attributes,omitempty"`
}

func (e *APIError) Error() string {
	if e.SubError != "" {
		return fmt.Sprintf("native auth error %q/%q (status %d)", e.Code, e.SubError, e.StatusCode)
	}
	return fmt.Sprintf("native auth error %q (status %d)", e.Code, e.StatusCode)
}

// API posts form requests to the native authentication API.
type API interface {
	Post(ctx context.Context, endpoint Endpoint, form url.Values) (*Response, error)
}

// Config configures the native authentication client and orchestrators.
type Config struct {
	// Authority is the tenant base URL, e.g.
	// https://contoso.ciamlogin.com/contoso.onmicrosoft.com
	Authority string   `mapstructure:"authority" yaml:"authority"`
	ClientID  string   `mapstructure:"client_id" yaml:"client_id"`
	Scopes    []string `mapstructure:"scopes" yaml:"scopes"`

	// Issuer is the OIDC issuer of the id tokens. Defaults to Authority + "/v2.0".
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	ResetRetryDelay   time.Duration `mapstructure:"reset_retry_delay" yaml:"reset_retry_delay"`
	ResetPollAttempts int           `mapstructure:"reset_poll_attempts" yaml:"reset_poll_attempts"`
}

// Enabled reports whether native authentication is configured.
func (c Config) Enabled() bool {
	return c.Authority != ""
}

// Validate checks an enabled configuration.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	u, err := url.Parse(c.Authority)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("native.authority must be an absolute URL")
	}
	if c.ClientID == "" {
		return fmt.Errorf("native.client_id is required")
	}
	if c.ResetRetryDelay < 0 {
		return fmt.Errorf("native.reset_retry_delay must not be negative")
	}
	if c.ResetPollAttempts < 0 {
		return fmt.Errorf("native.reset_poll_attempts must not be negative")
	}
	return nil
}

func (c Config) scope() string {
	if len(c.Scopes) == 0 {
		return strings.Join(DefaultScopes, " ")
	}
	return strings.Join(c.Scopes, " ")
}

func (c Config) retryDelay() time.Duration {
	if c.ResetRetryDelay == 0 {
		return DefaultResetRetryDelay
	}
	return c.ResetRetryDelay
}

func (c Config) pollAttempts() int {
	if c.ResetPollAttempts == 0 {
		return DefaultResetPollAttempts
	}
	return c.ResetPollAttempts
}

// HTTPAPI is the HTTP implementation of API.
type HTTPAPI struct {
	base     string
	clientID string
	client   *http.Client
}

// NewHTTPAPI creates a client for the configured authority.
func NewHTTPAPI(cfg Config, client *http.Client) (*HTTPAPI, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("native authentication is not configured")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAPI{
		base:     strings.TrimRight(cfg.Authority, "/"),
		clientID: cfg.ClientID,
		client:   client,
	}, nil
}

// Post sends form to endpoint with the client id added.
func (a *HTTPAPI) Post(ctx context.Context, endpoint Endpoint, form url.Values) (*Response, error) {
	data := url.Values{}
	for k, v := range form {
		data[k] = v
	}
	data.Set("client_id", a.clientID)
	encoded := data.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+string(endpoint), strings.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encoded)))
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseAPIError(resp.StatusCode, body)
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		logger.Debugf("Failed to parse %s response: %v", endpoint, err)
		return nil, fmt.Errorf("failed to parse %s response", endpoint)
	}
	if out.ChallengeType == "redirect" {
		return nil, ErrRedirectRequired
	}
	return &out, nil
}

func parseAPIError(statusCode int, body []byte) *APIError {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == "" {
		return &APIError{StatusCode: statusCode, Code: "http_error"}
	}
	apiErr.StatusCode = statusCode
	return &apiErr
}
