package shared

import "errors"

var (
	ErrNoLogger             = errors.New("no logger provided")
	ErrNoConfig             = errors.New("no config provided")
	ErrNoAPIKey             = errors.New("no API key provided")
	ErrDuplicateCallID      = errors.New("call ID already registered")
	ErrSessionNotFound      = errors.New("no session registered for call ID")
	ErrSessionClosed        = errors.New("session closed")
	ErrSessionNotRinging    = errors.New("session already left ringing state")
	ErrRecognizerClosed     = errors.New("recognizer closed")
	ErrSynthesisUnavailable = errors.New("synthesis unavailable")
	ErrMalformedFrame       = errors.New("malformed transport frame")
)
