package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrWSDisconnect = errors.New("websocket disconnected")

	// ErrCaptchaRequired means the broker answered an authentication
	// attempt with a bot-detection challenge. Retrying without resolving
	// the challenge cannot succeed and burns rate-limit budget, so this
	// is terminal for the credential.
	ErrCaptchaRequired = errors.New("broker requires captcha verification")

	// ErrUnknownTicker is returned when a signal names a ticker with no
	// configured contract specification (point multiplier, tick size).
	ErrUnknownTicker = errors.New("no contract configuration for ticker")

	// ErrInconsistentQuantity is returned when a reducing signal would
	// drive a position's quantity negative. The engine rejects rather
	// than clamps: a quantity underflow is a data-quality problem worth
	// surfacing.
	ErrInconsistentQuantity = errors.New("signal would drive quantity negative")

	// ErrInvalidSignal is returned for malformed or unresolvable signals
	// (unknown action, non-positive price, empty recorder or ticker).
	ErrInvalidSignal = errors.New("invalid signal")
)
