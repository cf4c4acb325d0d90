package proxy

import (
	"fmt"
	"strings"
	"sync"

	"mino-hq/mino/pkg/store"
)

// ValidationResult is a validator's verdict on a response's first chunk.
type ValidationResult struct {
	OK bool

	// Retryable marks an invalid response as a key-health failure: the
	// proxy applies KeyState to the allocated key and retries. A
	// non-retryable invalid response becomes a structured error to the
	// caller.
	Retryable bool

	// KeyState is the state transition applied on a retryable failure.
	// Empty leaves the key untouched.
	KeyState store.KeyState

	Message string
}

// Validator inspects the first chunk of an upstream success response.
// Providers reference validators by name in their configuration.
type Validator func(firstChunk []byte) ValidationResult

var (
	validatorMu sync.RWMutex
	validators  = map[string]Validator{}
)

// RegisterValidator installs a named validator. Registration happens at
// startup; a duplicate name panics to surface the wiring mistake early.
func RegisterValidator(name string, fn Validator) {
	validatorMu.Lock()
	defer validatorMu.Unlock()
	if _, dup := validators[name]; dup {
		panic(fmt.Sprintf("proxy: validator %q registered twice", name))
	}
	validators[name] = fn
}

// LookupValidator resolves a validator by name.
func LookupValidator(name string) (Validator, bool) {
	validatorMu.RLock()
	defer validatorMu.RUnlock()
	fn, ok := validators[name]
	return fn, ok
}

func init() {
	// Catches upstreams that return 200 with an HTML interstitial instead
	// of a completion body. The key is healthy; the pool's edge is not.
	RegisterValidator("html-body", func(chunk []byte) ValidationResult {
		if looksLikeHTML(chunk) {
			return ValidationResult{
				Retryable: true,
				Message:   "upstream returned an HTML page",
			}
		}
		return ValidationResult{OK: true}
	})

	// Catches quota-exceeded bodies hidden behind a 200.
	RegisterValidator("quota-body", func(chunk []byte) ValidationResult {
		lower := strings.ToLower(string(chunk))
		if strings.Contains(lower, "insufficient_quota") || strings.Contains(lower, "quota exceeded") {
			return ValidationResult{
				Retryable: true,
				KeyState:  store.KeyRatelimited,
				Message:   "upstream reported exhausted quota",
			}
		}
		return ValidationResult{OK: true}
	})
}

// looksLikeHTML reports whether a body fragment is an HTML document rather
// than an API payload.
func looksLikeHTML(b []byte) bool {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	return strings.HasPrefix(s, "<!doctype html") || strings.HasPrefix(s, "<html")
}
