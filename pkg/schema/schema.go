package schema

import (
	"net/http"
	"net/url"
	"strings"

	"mino-hq/mino/pkg/config"
)

// Kind identifies a protocol schema family.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindGemini    Kind = "gemini"
)

// ParseKind maps a config schema id to a Kind.
func ParseKind(id string) (Kind, bool) {
	switch Kind(id) {
	case KindOpenAI, KindAnthropic, KindGemini:
		return Kind(id), true
	}
	return "", false
}

// StreamResult is the outcome of parsing a (possibly streamed) response
// body: the assembled text content and the output token count, estimated
// when the upstream did not report one.
type StreamResult struct {
	Content    string
	TokenCount int
}

// ErrorShape describes a structured error to serialize in the schema's
// native error format.
type ErrorShape struct {
	Message string
	Type    string
	Code    string
	Param   string
}

// Adapter is the contract every protocol schema implements.
type Adapter interface {
	// Kind returns the schema family.
	Kind() Kind

	// InjectCredential sets the upstream credential on the outgoing
	// request, replacing whatever the caller presented.
	InjectCredential(h http.Header, q url.Values, secret string)

	// IsChatCompletionEndpoint reports whether the sub-path is the
	// chat-completion-shaped endpoint (token limits and accounting apply).
	IsChatCompletionEndpoint(path string) bool

	// IsModelListEndpoint reports whether the sub-path is the model-list
	// endpoint (served from the process-wide cache).
	IsModelListEndpoint(path string) bool

	// EstimateRequestTokens estimates input tokens from the buffered
	// request body. Returns an error for bodies it cannot interpret.
	EstimateRequestTokens(body []byte) (int, error)

	// ParseStreamedResponse extracts content and output token count from
	// the accumulated response text (SSE stream or plain JSON).
	ParseStreamedResponse(text string) StreamResult

	// BuildErrorBody serializes a structured error in the schema's native
	// shape.
	BuildErrorBody(e ErrorShape) []byte

	// BuildModelListBody serializes a model list in the schema's native
	// shape.
	BuildModelListBody(ids []string) []byte

	// StripRequestHeaders removes hop-by-hop and caller-credential headers
	// before the upstream call.
	StripRequestHeaders(h http.Header)

	// OverrideRequestHeaders applies provider-configured header overrides.
	OverrideRequestHeaders(h http.Header, pairs []config.HeaderPair)

	// CleanupResponseHeaders removes hop-by-hop response headers before
	// relaying to the caller.
	CleanupResponseHeaders(h http.Header)
}

// ForKind returns the adapter for a schema kind. The set is closed; callers
// hold a Kind that already passed ParseKind.
func ForKind(k Kind) Adapter {
	switch k {
	case KindAnthropic:
		return anthropicAdapter{}
	case KindGemini:
		return geminiAdapter{}
	default:
		return openAIAdapter{}
	}
}

// Credential is a caller-presented token plus the schema family its header
// convention implies.
type Credential struct {
	Kind  Kind
	Token string
}

// DetectCredential inspects the request's credential headers. The matching
// convention determines both the caller token and the implied schema.
// Gemini is checked last because its query-parameter form is the loosest
// match.
func DetectCredential(r *http.Request) (Credential, bool) {
	if v := r.Header.Get("x-goog-api-key"); v != "" {
		return Credential{Kind: KindGemini, Token: v}, true
	}
	if strings.Contains(r.URL.Path, "/v1beta") {
		if v := r.URL.Query().Get("key"); v != "" {
			return Credential{Kind: KindGemini, Token: v}, true
		}
	}
	if v := r.Header.Get("x-api-key"); v != "" {
		return Credential{Kind: KindAnthropic, Token: v}, true
	}
	if v := r.Header.Get("Authorization"); v != "" {
		token := strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
		if token != "" {
			return Credential{Kind: KindOpenAI, Token: token}, true
		}
	}
	return Credential{}, false
}

// baseStripRequestHeaders removes headers shared across schemas: hop-by-hop
// headers plus every credential convention, so a caller token never leaks
// upstream.
func baseStripRequestHeaders(h http.Header) {
	for _, name := range []string{
		"Host", "Content-Length", "Connection", "Accept-Encoding",
		"Authorization", "x-api-key", "x-goog-api-key",
		"cf-connecting-ip", "cf-ipcountry",
	} {
		h.Del(name)
	}
}

// baseCleanupResponseHeaders removes headers invalidated by re-streaming.
func baseCleanupResponseHeaders(h http.Header) {
	for _, name := range []string{
		"Content-Encoding", "Content-Length", "Transfer-Encoding", "Connection",
	} {
		h.Del(name)
	}
}

// applyOverrides sets provider-configured header pairs.
func applyOverrides(h http.Header, pairs []config.HeaderPair) {
	for _, p := range pairs {
		h.Set(p.Key, p.Value)
	}
}
