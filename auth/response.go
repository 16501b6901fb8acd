package auth

import (
	"errors"
	"fmt"
)

// ErrStateMismatch is reported when the state returned by the provider does
// not match the one sent.
var ErrStateMismatch = errors.New("auth: state mismatch")

// ProviderError represents an error returned by the identity provider in
// the redirect.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (%s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}

// ResponseType tags the variant held by a Response.
type ResponseType int

const (
	ResponseCancel ResponseType = iota
	ResponseSuccess
	ResponseError
)

func (t ResponseType) String() string {
	switch t {
	case ResponseSuccess:
		return "success"
	case ResponseError:
		return "error"
	default:
		return "cancel"
	}
}

// Response is the outcome of one provider prompt. Exactly one of the
// variants is meaningful, as selected by Type:
//
//	ResponseSuccess: Code and State
//	ResponseError:   Err
//	ResponseCancel:  nothing
type Response struct {
	Type  ResponseType
	Code  string
	State string
	Err   error
}

// Success returns a Success response.
func Success(code, state string) Response {
	return Response{Type: ResponseSuccess, Code: code, State: state}
}

// Failure returns an Error response wrapping err.
func Failure(err error) Response {
	return Response{Type: ResponseError, Err: err}
}

// Cancel returns a Cancel response.
func Cancel() Response {
	return Response{Type: ResponseCancel}
}
