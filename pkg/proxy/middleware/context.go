package middleware

// contextKey is a private type for context values set by this package.
type contextKey string

const (
	// requestIDKey carries the request id through the context.
	requestIDKey contextKey = "request_id"
)
