package dispatch

// Kind is the client-visible error kind tag, per SPEC_FULL.md §7.
type Kind string

const (
	KindRateLimit       Kind = "rate_limit"
	KindInvalidRequest  Kind = "invalid_request"
	KindAuthentication  Kind = "authentication_error"
	KindAPI             Kind = "api_error"
)

// Error is the structured error value the dispatcher and gateway return.
// Modeled on the teacher's sdk/cliproxy/auth.Error shape: a short
// machine-readable code, a human message, a retryable flag, and an optional
// HTTP status so callers can classify failures by calling a method rather
// than string-matching.
type Error struct {
	Kind       Kind
	Message    string
	Retryable  bool
	HTTPStatus int
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// StatusCode implements the optional status accessor the collaborator's HTTP
// listener uses to pick a response code.
func (e *Error) StatusCode() int { return e.HTTPStatus }

func resourceExhausted(msg string) *Error {
	return &Error{Kind: KindRateLimit, Message: msg, Retryable: false, HTTPStatus: 429}
}

func fatalUpstream(msg string, status int) *Error {
	return &Error{Kind: KindAPI, Message: msg, Retryable: false, HTTPStatus: status}
}

func noAccounts() *Error {
	return &Error{Kind: KindAPI, Message: "no accounts configured", Retryable: false, HTTPStatus: 500}
}

func authFailure(msg string) *Error {
	return &Error{Kind: KindAuthentication, Message: msg, Retryable: false, HTTPStatus: 401}
}

// NewInvalidRequest constructs a client-visible invalid_request error, used
// by the gateway wrappers when an inbound body fails to parse.
func NewInvalidRequest(msg string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: msg, Retryable: false, HTTPStatus: 400}
}
