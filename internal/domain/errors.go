// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrDiscovery indicates an agent was unreachable or returned a malformed
// capability descriptor.
var ErrDiscovery = errors.New("agent discovery failed")

// ErrCall indicates a task call to an agent failed (timeout or transport).
var ErrCall = errors.New("agent call failed")

// ErrPayload indicates the uploaded image could not be decoded or prepared.
var ErrPayload = errors.New("unusable image payload")

// ErrParse indicates response text was present but not in the expected
// structured shape. Non-fatal: callers degrade to the raw text.
var ErrParse = errors.New("unexpected response shape")
