package proxy

import (
	"context"

	"mino-hq/mino/pkg/store"
)

// Caller is the resolved origin of a request: network address, country,
// and the account its credential token mapped to, if any.
type Caller struct {
	Address string
	Country string
	User    *store.User
}

// Identity returns the caller-scoping key: the user token for
// authenticated callers, country:address otherwise.
func (c Caller) Identity() string {
	if c.User != nil {
		return c.User.Token
	}
	return c.Country + ":" + c.Address
}

// Elevated reports whether the caller bypasses concurrency, cooldown,
// spike, and payload-limit gates.
func (c Caller) Elevated() bool {
	return c.User != nil && c.User.Elevated()
}

type callerKey struct{}

// WithCaller attaches the resolved caller to a request context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom retrieves the resolved caller.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
