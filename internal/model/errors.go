package model

import "errors"

// Input errors: rejected before any side effect.
var (
	ErrPolicyNotFound  = errors.New("policy not found")
	ErrPolicyDisabled  = errors.New("policy disabled")
	ErrInvalidPolicy   = errors.New("invalid policy")
	ErrVersionConflict = errors.New("policy version conflict")
)

// Upstream errors.
var (
	ErrProviderUnavailable = errors.New("model provider unavailable")
	ErrClassifierTimeout   = errors.New("classifier timeout")
	ErrClassifierError     = errors.New("classifier error")
)

// Storage errors.
var (
	ErrPersistence    = errors.New("persistence error")
	ErrRecordNotFound = errors.New("record not found")
)

// UserMessage is what an end user sees when an evaluation aborts.
const UserMessage = "analysis failed, please retry"
