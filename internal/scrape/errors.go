package scrape

import "fmt"

// ErrorKind classifies a provider failure. The orchestrator's retry policy
// keys off the kind, never the message.
type ErrorKind string

const (
	// KindNotFound means the listing does not exist on the marketplace.
	KindNotFound ErrorKind = "not_found"
	// KindRateLimited means the provider throttled the request.
	KindRateLimited ErrorKind = "rate_limited"
	// KindUnavailable covers provider 5xx responses and network failures.
	KindUnavailable ErrorKind = "unavailable"
	// KindMalformed means the provider returned a payload that could not
	// be decoded into the expected shape.
	KindMalformed ErrorKind = "malformed"
)

// Error is a classified scrape failure.
type Error struct {
	Kind ErrorKind
	ASIN string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scrape: %s (%s): %v", e.Kind, e.ASIN, e.Err)
	}
	return fmt.Sprintf("scrape: %s (%s)", e.Kind, e.ASIN)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Kind sentinels for errors.Is matching.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrProviderUnavailable = &Error{Kind: KindUnavailable}
	ErrMalformed           = &Error{Kind: KindMalformed}
)
