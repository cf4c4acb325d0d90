package proxy

import "mino-hq/mino/pkg/store"

// Action is the proxy's reaction to an upstream status code.
type Action int

const (
	// ActionSuccess relays the response to the caller.
	ActionSuccess Action = iota

	// ActionPassthrough returns the upstream response without retrying.
	// A malformed request stays malformed on every key.
	ActionPassthrough

	// ActionDisableRetry marks the key disabled and retries with another.
	ActionDisableRetry

	// ActionRatelimitRetry marks the key ratelimited and retries with
	// another.
	ActionRatelimitRetry

	// ActionRetry retries with another key without touching key state.
	// The failure is treated as transient.
	ActionRetry
)

// Classify maps an upstream status code to the proxy's action. This table
// is exhaustive and mutually exclusive; every status lands on exactly one
// action.
func Classify(status int) Action {
	switch {
	case status >= 200 && status < 300:
		return ActionSuccess
	case status == 401:
		return ActionDisableRetry
	case status == 402 || status == 429:
		return ActionRatelimitRetry
	case status >= 400 && status < 500:
		return ActionPassthrough
	case status >= 500:
		return ActionRetry
	default:
		// 1xx/3xx from a completion upstream is unexpected; pass it
		// through rather than burn keys retrying.
		return ActionPassthrough
	}
}

// Retries reports whether the action consumes a retry attempt.
func (a Action) Retries() bool {
	switch a {
	case ActionDisableRetry, ActionRatelimitRetry, ActionRetry:
		return true
	}
	return false
}

// KeyState returns the key lifecycle state the action transitions the
// allocated key into, or "" when the key keeps its state.
func (a Action) KeyState() store.KeyState {
	switch a {
	case ActionDisableRetry:
		return store.KeyDisabled
	case ActionRatelimitRetry:
		return store.KeyRatelimited
	}
	return ""
}

// String names the action for logs and metrics labels.
func (a Action) String() string {
	switch a {
	case ActionSuccess:
		return "success"
	case ActionPassthrough:
		return "passthrough"
	case ActionDisableRetry:
		return "disable_retry"
	case ActionRatelimitRetry:
		return "ratelimit_retry"
	case ActionRetry:
		return "retry"
	}
	return "unknown"
}
