// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package nativeauth

import (
	"errors"
	"fmt"
)

// Next is what the provider expects after a continue call.
type Next int

const (
	// NextCompleted means the stage finished and the continuation token
	// leads to the next stage or to the token endpoint.
	NextCompleted Next = iota
	// NextCredential means the provider wants a password.
	NextCredential
	// NextAttributes means the provider wants profile attributes.
	NextAttributes
)

func (n Next) String() string {
	switch n {
	case NextCompleted:
		return "completed"
	case NextCredential:
		return "credential_required"
	case NextAttributes:
		return "attributes_required"
	default:
		return fmt.Sprintf("next(%d)", int(n))
	}
}

var errMissingContinuation = errors.New("response carried no continuation token")

// step is the outcome of one provider call.
type step struct {
	next     Next
	token    string
	required []Attribute
	resp     *Response
}

// advance turns a provider response into a step. credential_required and
// attributes_required errors carrying a continuation token are intermediate
// results, not failures.
func advance(resp *Response, err error) (step, error) {
	if err == nil {
		if resp == nil || resp.ContinuationToken == "" {
			return step{}, errMissingContinuation
		}
		return step{next: NextCompleted, token: resp.ContinuationToken, resp: resp}, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.ContinuationToken != "" {
		switch apiErr.Code {
		case "credential_required":
			return step{next: NextCredential, token: apiErr.ContinuationToken}, nil
		case "attributes_required":
			return step{next: NextAttributes, token: apiErr.ContinuationToken, required: apiErr.RequiredAttributes}, nil
		}
	}
	return step{}, err
}
