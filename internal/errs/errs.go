// Package errs defines the error kinds the crawl engine distinguishes
// between when deciding whether a request should be retried, rotated onto a
// fresh session, or failed outright. The kinds are a closed enum rather than
// a type per error, following the wrap-with-%w idiom used throughout the
// teacher packages (proxy.MarkFailed, worker.processJob) but made inspectable
// via errors.Is/As instead of string matching.
package errs

import "fmt"

// Kind classifies an error for the engine's retry/rotate/fail decision.
type Kind int

const (
	// KindNavigation is a transport-level failure (DNS, TCP, TLS, or an
	// HTTP status classified as an error).
	KindNavigation Kind = iota
	// KindContentType is a response MIME type outside the accepted set.
	KindContentType
	// KindBlocked is a 401/403/429-class response under a blocking policy;
	// it retires the session and counts against session rotations, not
	// request retries.
	KindBlocked
	// KindTimeout is a navigation or request-handler deadline expiring.
	KindTimeout
	// KindNonRetryable is user-raised and skips all retry logic.
	KindNonRetryable
	// KindCritical aborts the whole crawl; failedRequestHandler is not
	// called.
	KindCritical
	// KindMissingRoute is a labeled request with no matching route and no
	// default handler; treated as Critical.
	KindMissingRoute
	// KindInterrupted is a cooperative pipeline halt; it is silent and
	// never surfaced to the user's error handler.
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindNavigation:
		return "navigation"
	case KindContentType:
		return "content_type"
	case KindBlocked:
		return "blocked"
	case KindTimeout:
		return "timeout"
	case KindNonRetryable:
		return "non_retryable"
	case KindCritical:
		return "critical"
	case KindMissingRoute:
		return "missing_route"
	case KindInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Error is the concrete error value carried through the pipeline and the
// engine's retry decision. Stage is only meaningful for pipeline
// initialization failures (§ ContextPipeline): the index of the middleware
// whose action raised it.
type Error struct {
	Kind  Kind
	Cause error
	Stage int
}

// New creates an Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// WithStage attaches a pipeline stage index to an Error (used by
// InitializationError construction).
func (e *Error) WithStage(stage int) *Error {
	e.Stage = stage
	return e
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err is, or wraps, an *Error of kind k. Kind does not
// implement error, so it cannot be passed to errors.Is; call k.Is(err) or
// IsKind instead.
func (k Kind) Is(err error) bool {
	var e *Error
	return As(err, &e) && e.Kind == k
}

// As is a thin errors.As wrapper kept local so callers don't need a second
// import when they already import errs.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return As(err, &e) && e.Kind == kind
}

// KindOf returns the Kind carried by err, or KindNonRetryable if err does
// not wrap an *Error (an un-classified user error is treated as terminal,
// matching §7's "uncaught errors are terminal" default).
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindNonRetryable
}
