package discord

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// ErrorKind classifies a failed delivery attempt.
type ErrorKind string

const (
	KindForbidden    ErrorKind = "forbidden"
	KindNotFound     ErrorKind = "not_found"
	KindRateLimited  ErrorKind = "rate_limited"
	KindUnauthorized ErrorKind = "unauthorized"
	KindOther        ErrorKind = "other"
)

// SendError wraps a per-destination delivery failure. It is recorded in the
// send report, never retried within the same cycle. RetryAfter carries the
// penalty a rate-limited response asked for, zero when the error has none.
type SendError struct {
	Kind       ErrorKind
	ChannelID  string
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed (%s): %v", e.ChannelID, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Classify maps an error returned by the API client to an ErrorKind.
func Classify(err error) ErrorKind {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return KindRateLimited
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return KindForbidden
		case http.StatusNotFound:
			return KindNotFound
		case http.StatusTooManyRequests:
			return KindRateLimited
		case http.StatusUnauthorized:
			return KindUnauthorized
		}
	}
	return KindOther
}

// RetryAfter extracts the penalty duration from a rate-limited API error,
// zero when the error carries none.
func RetryAfter(err error) time.Duration {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) && rl.RateLimit != nil && rl.RateLimit.TooManyRequests != nil {
		return rl.RetryAfter
	}
	return 0
}

// WrapSend attaches channel context and classification to a raw API error.
func WrapSend(channelID string, err error) *SendError {
	var send *SendError
	if errors.As(err, &send) {
		return send
	}
	return &SendError{Kind: Classify(err), ChannelID: channelID, RetryAfter: RetryAfter(err), Err: err}
}
