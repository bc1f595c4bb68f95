package types

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by every protocol operation. Callers classify with errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrInsufficientVP     = errors.New("insufficient VP")
	ErrInvalidAttestation = errors.New("invalid attestation")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrTopicNotLive       = errors.New("topic not live")
	ErrTopicExpired       = errors.New("topic expired")
	ErrReplayOrStaleNonce = errors.New("replay or stale nonce")
	ErrBatchTooLarge      = errors.New("batch too large")
	ErrAlreadyMinted      = errors.New("already minted")
	ErrAlreadyRefunded    = errors.New("already refunded")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrUnknownSelector    = errors.New("unknown selector")
	ErrNotFound           = errors.New("not found")
)

// Invalid wraps ErrValidation with a formatted detail.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Retryable reports whether err is a timing or state error the caller may retry later.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrTopicNotLive) ||
		errors.Is(err, ErrTopicExpired) ||
		errors.Is(err, ErrReplayOrStaleNonce)
}

var codes = []struct {
	err  error
	code string
}{
	{ErrValidation, "validation_error"},
	{ErrInsufficientVP, "insufficient_vp"},
	{ErrInvalidAttestation, "invalid_attestation"},
	{ErrRateLimitExceeded, "rate_limit_exceeded"},
	{ErrTopicNotLive, "topic_not_live"},
	{ErrTopicExpired, "topic_expired"},
	{ErrReplayOrStaleNonce, "replay_or_stale_nonce"},
	{ErrBatchTooLarge, "batch_too_large"},
	{ErrAlreadyMinted, "already_minted"},
	{ErrAlreadyRefunded, "already_refunded"},
	{ErrNotAuthorized, "not_authorized"},
	{ErrUnknownSelector, "unknown_selector"},
	{ErrNotFound, "not_found"},
}

// Code returns a stable machine-readable code for err, or "internal" when it
// is not one of the protocol kinds.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
