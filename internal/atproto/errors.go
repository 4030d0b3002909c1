package atproto

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrAuthExpired is returned internally when the PDS signals that the
// current access token is no longer valid (HTTP 401 or an ExpiredToken
// body on a 400).
var ErrAuthExpired = errors.New("atproto: auth expired")

// ErrTerminalAccount means the remote account itself is gone — deleted,
// suspended, or otherwise permanently unreachable (spec.md §4.G terminal
// account handling). GetProfile returns it, and Classify never retries it.
// The resolver does not see it: GetProfiles omits such accounts from its
// response, and the resolver treats a missing DID as terminal.
var ErrTerminalAccount = errors.New("atproto: account terminal (deleted or suspended)")

// RateLimitError is returned when the PDS responds with HTTP 429. It
// implements retry.Retryable so internal/retry.Do can read the suggested
// delay straight off the error.
type RateLimitError struct {
	After time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("atproto: rate limited, retry after %s", e.After.Round(time.Second))
}

func (e *RateLimitError) RetryAfter() time.Duration { return e.After }

// ClientError wraps a 4xx response that is neither auth-expiry nor
// rate-limiting — a request that retrying verbatim will not fix. This
// includes terminal-account bodies such as "Profile not found"; GetProfile
// converts those into ErrTerminalAccount, other callers see the ClientError.
type ClientError struct {
	Status int
	Body   string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("atproto: client error (HTTP %d): %s", e.Status, e.Body)
}

// ServerError wraps a 5xx response, which is transient and worth retrying.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("atproto: server error (HTTP %d): %s", e.Status, e.Body)
}

// IsAuthExpired reports whether err (or any error it wraps) signals an
// expired session token.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// IsTerminalAccount reports whether err signals a permanently unreachable
// account.
func IsTerminalAccount(err error) bool {
	return errors.Is(err, ErrTerminalAccount)
}

// Classify implements retry.Classify for atproto errors: rate limits, server
// errors, and transport errors (timeouts, DNS failures, connection resets)
// are retried, everything else (including terminal-account and plain client
// errors) is not — the caller's own auth-expiry retry is handled one layer
// up in authedPost/authedGet, not here.
func Classify(err error) (bool, time.Duration) {
	if err == nil {
		return false, 0
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true, rl.After
	}
	var se *ServerError
	if errors.As(err, &se) {
		return true, -1
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true, -1
	}
	return false, 0
}
