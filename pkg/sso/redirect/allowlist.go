// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package redirect

import (
	"fmt"
	"net/url"
	"strings"
)

// AllowList matches redirect URIs by scheme, host and path. The query
// string and fragment of a candidate are ignored.
type AllowList struct {
	entries map[string]struct{}
}

// NewAllowList parses uris into an AllowList.
func NewAllowList(uris []string) (*AllowList, error) {
	a := &AllowList{entries: make(map[string]struct{}, len(uris))}
	for _, raw := range uris {
		key, err := matchKey(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed redirect URI %q: %w", raw, err)
		}
		a.entries[key] = struct{}{}
	}
	return a, nil
}

// Allows reports whether raw matches an entry.
func (a *AllowList) Allows(raw string) bool {
	if a == nil || raw == "" {
		return false
	}
	key, err := matchKey(raw)
	if err != nil {
		return false
	}
	_, ok := a.entries[key]
	return ok
}

// Len returns the number of entries.
func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.entries)
}

func matchKey(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return "", fmt.Errorf("host is required")
	}
	if u.User != nil {
		return "", fmt.Errorf("userinfo is not allowed")
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + path, nil
}
