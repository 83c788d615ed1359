package domain

import (
	"errors"
	"fmt"
)

// FetchKind classifies a failed status lookup. The scheduler's handling
// differs per kind: network problems are transient, auth problems are not.
type FetchKind string

const (
	FetchNetwork   FetchKind = "network"
	FetchAuth      FetchKind = "auth"
	FetchMalformed FetchKind = "malformed"
	FetchProvider  FetchKind = "provider"
)

type FetchError struct {
	Kind FetchKind
	Msg  string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.Kind, e.Msg)
}

func (e *FetchError) Unwrap() error { return e.Err }

func NewFetchError(kind FetchKind, msg string, err error) *FetchError {
	return &FetchError{Kind: kind, Msg: msg, Err: err}
}

// AsFetchError unwraps err into a *FetchError if one is in the chain.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// ConfigError marks a fatal problem with the configuration document as a
// whole. Per-task problems are not ConfigErrors; those tasks are skipped.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}
