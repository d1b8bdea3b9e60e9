// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package claims assembles the canonical claim set embedded in every token
// issued by central-sso.
//
// Assemble is a pure function: callers perform the datastore reads and pass
// the result in. When no datastore record exists the claim set falls back
// to a fixed default application map so login never blocks on provisioning.
package claims

import "slices"

// Identity is the identity block of a claim set.
type Identity struct {
	Email      string `json:"email"`
	Status     string `json:"status"`
	IDPSubject string `json:"idp_sub"`
	PersonID   string `json:"person_id,omitempty"`
}

// AppClaims are the claims scoped to one application.
type AppClaims struct {
	UID   string   `json:"uid"`
	Roles []string `json:"roles"`
}

// ClaimSet is the identity and authorization payload of a token.
// Issuer, issued-at and expiry are added by the signer.
type ClaimSet struct {
	Subject  string               `json:"sub"`
	Identity Identity             `json:"identity"`
	Apps     map[string]AppClaims `json:"apps"`
	Audience []string             `json:"aud,omitempty"`
}

// UpstreamUser is the identity reported by the identity provider.
type UpstreamUser struct {
	Subject  string   `json:"sub"`
	Email    string   `json:"email"`
	Name     string   `json:"name,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	Provider string   `json:"provider,omitempty"`
}

// Assignment is one datastore row linking a person to an application role.
type Assignment struct {
	Application string `db:"application"`
	AppUserID   string `db:"app_user_id"`
	Role        string `db:"role"`
}

// Record is the datastore view of a person and their assignments.
type Record struct {
	PersonID    string
	Email       string
	Status      string
	IDPSubject  string
	Assignments []Assignment
}

// Fallback is the placeholder data used when the datastore has no record.
type Fallback struct {
	Application string   `mapstructure:"application" yaml:"application"`
	Roles       []string `mapstructure:"roles" yaml:"roles"`
	Audience    []string `mapstructure:"audience" yaml:"audience"`
	Status      string   `mapstructure:"status" yaml:"status"`
}

// DefaultFallback returns the built-in fallback.
func DefaultFallback() Fallback {
	return Fallback{
		Application: "portal",
		Roles:       []string{"user"},
		Audience:    []string{"portal"},
		Status:      "unprovisioned",
	}
}

// Assemble merges the upstream identity with an optional datastore record.
func Assemble(user UpstreamUser, record *Record, fallback Fallback) ClaimSet {
	if record == nil {
		return ClaimSet{
			Subject: user.Subject,
			Identity: Identity{
				Email:      user.Email,
				Status:     fallback.status(),
				IDPSubject: user.Subject,
			},
			Apps:     fallback.apps(user.Subject),
			Audience: fallback.audience(),
		}
	}

	set := ClaimSet{
		Subject: firstNonEmpty(record.PersonID, user.Subject),
		Identity: Identity{
			Email:      firstNonEmpty(record.Email, user.Email),
			Status:     firstNonEmpty(record.Status, fallback.status()),
			IDPSubject: firstNonEmpty(record.IDPSubject, user.Subject),
			PersonID:   record.PersonID,
		},
		Apps: make(map[string]AppClaims),
	}

	for _, a := range record.Assignments {
		if a.Application == "" {
			continue
		}
		app, seen := set.Apps[a.Application]
		if !seen {
			app = AppClaims{UID: a.AppUserID, Roles: []string{}}
			set.Audience = append(set.Audience, a.Application)
		}
		if a.Role != "" && !slices.Contains(app.Roles, a.Role) {
			app.Roles = append(app.Roles, a.Role)
		}
		set.Apps[a.Application] = app
	}

	if len(set.Apps) == 0 {
		set.Apps = fallback.apps(set.Subject)
		set.Audience = fallback.audience()
	}
	return set
}

func (f Fallback) status() string {
	if f.Status == "" {
		return "unprovisioned"
	}
	return f.Status
}

func (f Fallback) apps(uid string) map[string]AppClaims {
	app := f.Application
	if app == "" {
		app = "portal"
	}
	roles := slices.Clone(f.Roles)
	if roles == nil {
		roles = []string{}
	}
	return map[string]AppClaims{app: {UID: uid, Roles: roles}}
}

func (f Fallback) audience() []string {
	if len(f.Audience) > 0 {
		return slices.Clone(f.Audience)
	}
	if f.Application != "" {
		return []string{f.Application}
	}
	return []string{"portal"}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
