package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"mino-hq/mino/pkg/config"
	"mino-hq/mino/pkg/keypool"
	"mino-hq/mino/pkg/schema"
	"mino-hq/mino/pkg/session"
	"mino-hq/mino/pkg/spike"
	"mino-hq/mino/pkg/store"
	"mino-hq/mino/pkg/telemetry/logging"
	"mino-hq/mino/pkg/telemetry/metrics"
)

const (
	// validatorPeekBytes is how much of a success response a validator
	// inspects before streaming resumes.
	validatorPeekBytes = 4096

	// maxPassthroughBody caps the buffered body of a non-retryable
	// upstream error.
	maxPassthroughBody = 1 << 20

	// counterTimeout bounds the fire-and-forget counter writes at cleanup.
	counterTimeout = 5 * time.Second
)

// Deps carries the collaborators the handler needs. Everything is
// constructed once at startup and passed in; the handler holds no globals.
type Deps struct {
	Registry  *config.Registry
	Store     store.Store
	Sessions  *session.Tracker
	Allocator *keypool.Allocator
	Guard     *spike.Guard
	Cache     *ModelCache
	Metrics   *metrics.Metrics
	Client    *http.Client
	Logger    *slog.Logger
}

// Handler proxies provider requests. It implements the full request
// lifecycle described in the package documentation.
type Handler struct {
	cfg  config.ProxyConfig
	deps Deps
	log  *slog.Logger
}

// NewHandler builds the proxy handler.
func NewHandler(cfg config.ProxyConfig, deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Client == nil {
		deps.Client = &http.Client{Timeout: cfg.UpstreamTimeout}
	}
	return &Handler{
		cfg:  cfg,
		deps: deps,
		log:  logger.With("component", "proxy"),
	}
}

// call is the per-request state threaded through the lifecycle. finish is
// the single-fire finalizer: every exit path funnels through it, so an
// allocated key is released exactly once and an incremented in-flight
// counter is decremented exactly once.
type call struct {
	h        *Handler
	provider *config.Provider
	identity string
	elevated bool

	actionKind string // cooldown kind: "chat" or "default"
	isChat     bool

	start    time.Time
	attempts int

	inFlight         bool   // in-flight counter was incremented
	allocatedSecret  string // key awaiting release, "" once released
	usedSecret       string // key that served the final attempt
	suppressCooldown bool   // rejected before passing the cooldown gate; do not arm

	status       int
	inputTokens  int
	outputTokens int
	bytesOut     int64

	once sync.Once
}

// releaseKey releases the currently allocated key, if any. Safe to call
// from retry paths and from finish.
func (c *call) releaseKey() {
	if c.allocatedSecret == "" {
		return
	}
	c.h.deps.Allocator.Release(c.allocatedSecret)
	c.h.deps.Metrics.KeyInFlight(c.provider.KeysID, -1)
	c.allocatedSecret = ""
}

// finish runs the cleanup exactly once.
func (c *call) finish() {
	c.once.Do(func() {
		h := c.h

		c.releaseKey()
		if c.inFlight {
			h.deps.Sessions.DecrActive(c.identity)
		}
		if !c.suppressCooldown && !c.elevated {
			if d := c.provider.CooldownFor(c.actionKind).Std(); d > 0 {
				h.deps.Sessions.SetCooldown(c.identity, c.actionKind, time.Now().Add(d))
			}
		}
		if c.status >= 200 && c.status < 300 {
			h.deps.Allocator.RecordUsage(c.identity, c.provider.KeysID)
		}

		duration := time.Since(c.start)
		h.deps.Metrics.ObserveRequest(c.provider.ID, strconv.Itoa(c.status), duration)
		if c.isChat {
			h.deps.Metrics.AddTokens(c.provider.ID, int64(c.inputTokens), int64(c.outputTokens))
		}

		// Counter writes are fire-and-forget; the caller's response does
		// not wait on the store.
		secret := c.usedSecret
		succeeded := c.status >= 200 && c.status < 300
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), counterTimeout)
			defer cancel()
			if err := h.deps.Store.IncrProviderRequestCount(ctx, c.provider.ID); err != nil {
				h.log.Warn("request counter write failed", "provider", c.provider.ID, "error", err)
			}
			if c.isChat && (c.inputTokens > 0 || c.outputTokens > 0) {
				if err := h.deps.Store.IncrProviderTokenCounts(ctx, c.provider.ID, int64(c.inputTokens), int64(c.outputTokens)); err != nil {
					h.log.Warn("token counter write failed", "provider", c.provider.ID, "error", err)
				}
			}
			if succeeded && secret != "" {
				if err := h.deps.Store.IncrKeyUsage(ctx, secret); err != nil {
					h.log.Warn("key usage write failed", "key", logging.RedactKey(secret), "error", err)
				}
			}
		}()

		h.log.Info("request completed",
			"provider", c.provider.ID,
			"identity", logging.RedactKey(c.identity),
			"status", c.status,
			"attempts", c.attempts,
			"duration", duration,
			"bytes", c.bytesOut,
			"tokens_in", c.inputTokens,
			"tokens_out", c.outputTokens,
			"cost", c.provider.Pricing.Cost(int64(c.inputTokens), int64(c.outputTokens)))
	})
}

// ServeHTTP drives the proxy state machine for one request. The path must
// already have the ingress prefix stripped by the server mux.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFrom(r.Context())
	if !ok {
		http.Error(w, "origin not resolved", http.StatusInternalServerError)
		return
	}

	route, ok := MatchProvider(strings.TrimPrefix(r.URL.Path, "/x/"), h.deps.Registry.IDs())
	if !ok {
		writeSchemaError(w, schema.ForKind(schema.KindOpenAI), http.StatusNotFound,
			schema.ErrorShape{Message: "unknown provider", Type: "invalid_request_error"})
		return
	}
	provider, ok := h.deps.Registry.Get(route.ProviderID)
	if !ok || !provider.Enable {
		writeSchemaError(w, schema.ForKind(schema.KindOpenAI), http.StatusNotFound,
			schema.ErrorShape{Message: "unknown provider", Type: "invalid_request_error"})
		return
	}

	// Schema resolution. A declared credential convention picks the
	// schema; an anonymous request falls back to the provider's first.
	cred, hasCred := schema.DetectCredential(r)
	var schemaEntry config.ProviderSchema
	var kind schema.Kind
	if hasCred {
		found := false
		for _, sc := range provider.Schema {
			if sc.ID == string(cred.Kind) {
				schemaEntry, kind, found = sc, cred.Kind, true
				break
			}
		}
		if !found {
			writeSchemaError(w, schema.ForKind(cred.Kind), http.StatusBadRequest,
				schema.ErrorShape{Message: "schema not supported by this provider", Type: "invalid_request_error"})
			return
		}
	} else {
		if len(provider.Schema) == 0 {
			writeSchemaError(w, schema.ForKind(schema.KindOpenAI), http.StatusBadRequest,
				schema.ErrorShape{Message: "no protocol schema resolvable", Type: "invalid_request_error"})
			return
		}
		schemaEntry = provider.Schema[0]
		k, valid := schema.ParseKind(schemaEntry.ID)
		if !valid {
			writeSchemaError(w, schema.ForKind(schema.KindOpenAI), http.StatusBadRequest,
				schema.ErrorShape{Message: "no protocol schema resolvable", Type: "invalid_request_error"})
			return
		}
		kind = k
	}
	adapter := schema.ForKind(kind)

	// Authorization.
	if provider.RequireAuth && !h.authorized(r.Context(), caller, provider) {
		writeSchemaError(w, adapter, http.StatusForbidden,
			schema.ErrorShape{Message: "provider requires authorization", Type: "permission_error"})
		return
	}

	isChat := adapter.IsChatCompletionEndpoint(route.Endpoint)
	actionKind := "default"
	if isChat {
		actionKind = "chat"
	}

	c := &call{
		h:          h,
		provider:   provider,
		identity:   caller.Identity(),
		elevated:   caller.Elevated(),
		actionKind: actionKind,
		isChat:     isChat,
		start:      time.Now(),
	}
	defer c.finish()

	// Spike guard.
	if !c.elevated && h.deps.Guard.Check(c.identity, caller.Address) {
		c.status = http.StatusTooManyRequests
		c.suppressCooldown = true
		writeSchemaError(w, adapter, http.StatusTooManyRequests,
			schema.ErrorShape{Message: "service is under load, complete verification to continue", Type: "rate_limit_error", Code: "spike_active"})
		return
	}

	// Per-identity concurrency ceiling.
	if !c.elevated && provider.Concurrency.Identity > 0 &&
		h.deps.Sessions.Active(c.identity) >= provider.Concurrency.Identity {
		c.status = http.StatusTooManyRequests
		c.suppressCooldown = true
		writeSchemaError(w, adapter, http.StatusTooManyRequests,
			schema.ErrorShape{Message: "too many concurrent requests", Type: "rate_limit_error", Code: "concurrency_limit"})
		return
	}

	// Cooldown. A rejection here must not re-arm the window.
	if !c.elevated {
		if until := h.deps.Sessions.Cooldown(c.identity, actionKind); time.Now().Before(until) {
			c.status = http.StatusTooManyRequests
			c.suppressCooldown = true
			writeSchemaError(w, adapter, http.StatusTooManyRequests,
				schema.ErrorShape{Message: "cooldown in effect, slow down", Type: "rate_limit_error", Code: "cooldown_active"})
			return
		}
	}

	// Model list is served from the cache; no upstream call, no key.
	if adapter.IsModelListEndpoint(route.Endpoint) {
		ids, cached := h.deps.Cache.Get(provider.ID)
		if !cached {
			c.status = http.StatusServiceUnavailable
			writeSchemaError(w, adapter, http.StatusServiceUnavailable,
				schema.ErrorShape{Message: "model list not yet available", Type: "api_error"})
			return
		}
		c.status = http.StatusOK
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(adapter.BuildModelListBody(ids))
		return
	}

	// The body is buffered once: token estimation reads it, and retries
	// replay it against different keys.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		c.status = http.StatusBadRequest
		writeSchemaError(w, adapter, http.StatusBadRequest,
			schema.ErrorShape{Message: "request body too large or unreadable", Type: "invalid_request_error"})
		return
	}

	if isChat {
		tokens, err := adapter.EstimateRequestTokens(body)
		if err != nil {
			c.status = http.StatusBadRequest
			writeSchemaError(w, adapter, http.StatusBadRequest,
				schema.ErrorShape{Message: "request body is not a valid completion payload", Type: "invalid_request_error"})
			return
		}
		c.inputTokens = tokens
		if !c.elevated && provider.Limit.Payload.Input > 0 && tokens > provider.Limit.Payload.Input {
			c.status = http.StatusBadRequest
			writeSchemaError(w, adapter, http.StatusBadRequest,
				schema.ErrorShape{Message: "input exceeds the provider token limit", Type: "invalid_request_error", Code: "input_limit", Param: "messages"})
			return
		}
		h.deps.Sessions.IncrActive(c.identity)
		c.inFlight = true
		h.log.Debug("input tokens estimated",
			"provider", provider.ID,
			"identity", logging.RedactKey(c.identity),
			"tokens", tokens)
	} else {
		h.deps.Sessions.Touch(c.identity)
	}

	h.retryLoop(w, r, c, adapter, schemaEntry, route, body)
}

// authorized reports whether the caller may use an auth-required provider.
func (h *Handler) authorized(ctx context.Context, caller Caller, provider *config.Provider) bool {
	u := caller.User
	if u == nil || u.Expired(time.Now()) {
		return false
	}
	if u.Elevated() {
		return true
	}
	allowed, err := h.deps.Store.GetAllowedProviders(ctx, u.ID)
	if err != nil {
		h.log.Error("allow-list lookup failed", "user", u.ID, "error", err)
		return false
	}
	return slices.Contains(allowed, provider.ID)
}

// retryLoop runs the bounded allocate / call / classify cycle.
func (h *Handler) retryLoop(w http.ResponseWriter, r *http.Request, c *call, adapter schema.Adapter, schemaEntry config.ProviderSchema, route Route, body []byte) {
	provider := c.provider
	ctx := r.Context()

	for c.attempts = 1; c.attempts <= h.cfg.MaxAttempts; c.attempts++ {
		alloc, err := h.deps.Allocator.Allocate(ctx, c.identity, provider)
		if err != nil {
			if !errors.Is(err, keypool.ErrNoKeyAvailable) {
				h.log.Error("key allocation failed", "provider", provider.ID, "error", err)
			}
			break
		}
		c.allocatedSecret = alloc.Secret
		c.usedSecret = alloc.Secret
		h.deps.Metrics.KeyInFlight(provider.KeysID, 1)

		resp, err := h.callUpstream(ctx, r, adapter, provider, schemaEntry, route, alloc, body)
		if err != nil {
			c.releaseKey()
			h.deps.Metrics.IncRetry(provider.ID, "transport")
			h.log.Warn("upstream call failed",
				"provider", provider.ID,
				"attempt", c.attempts,
				"key", logging.RedactKey(alloc.Secret),
				"error", err)
			continue
		}

		action := Classify(resp.StatusCode)
		switch action {
		case ActionSuccess:
			if h.streamSuccess(w, c, adapter, provider, alloc, resp) {
				return
			}
			// Validation vetoed the response; the attempt is spent.
			continue

		case ActionPassthrough:
			h.deps.Allocator.RecordUsage(c.identity, provider.KeysID)
			h.passthrough(w, c, adapter, resp)
			return

		default:
			resp.Body.Close()
			h.handleRetryable(ctx, c, action, alloc)
			h.log.Warn("upstream rejected key",
				"provider", provider.ID,
				"status", resp.StatusCode,
				"action", action.String(),
				"attempt", c.attempts,
				"key", logging.RedactKey(alloc.Secret))
		}
	}

	c.status = http.StatusInternalServerError
	writeSchemaError(w, adapter, http.StatusInternalServerError,
		schema.ErrorShape{Message: "all allocated keys unavailable", Type: "api_error", Code: "keys_exhausted"})
}

// handleRetryable applies the key-state transition for a retryable failure
// and releases the attempt's key.
func (h *Handler) handleRetryable(ctx context.Context, c *call, action Action, alloc keypool.Allocated) {
	provider := c.provider
	if st := action.KeyState(); st != "" {
		if !provider.KeepKeysOnAuthFailure {
			if err := h.deps.Store.SetKeyState(ctx, alloc.Secret, st); err != nil {
				h.log.Error("key state update failed",
					"key", logging.RedactKey(alloc.Secret),
					"state", string(st),
					"error", err)
			}
		}
		h.deps.Allocator.Invalidate(c.identity, provider.KeysID)
	}
	c.releaseKey()
	h.deps.Metrics.IncRetry(provider.ID, action.String())
}

// callUpstream performs one upstream attempt with the buffered body.
func (h *Handler) callUpstream(ctx context.Context, r *http.Request, adapter schema.Adapter, provider *config.Provider, schemaEntry config.ProviderSchema, route Route, alloc keypool.Allocated, body []byte) (*http.Response, error) {
	target := joinUpstreamPath(provider.BaseURL(schemaEntry, alloc.EndpointVariant), schemaEntry.UpstreamPath, route.Endpoint)

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, reqBody)
	if err != nil {
		return nil, err
	}

	req.Header = r.Header.Clone()
	adapter.StripRequestHeaders(req.Header)
	adapter.OverrideRequestHeaders(req.Header, provider.Override.Headers)

	q := r.URL.Query()
	adapter.InjectCredential(req.Header, q, alloc.Secret)
	req.URL.RawQuery = q.Encode()

	return h.deps.Client.Do(req)
}

// streamSuccess validates (when configured) and relays a success response.
// Returns false when validation classified the response as retryable; the
// caller continues the retry loop.
func (h *Handler) streamSuccess(w http.ResponseWriter, c *call, adapter schema.Adapter, provider *config.Provider, alloc keypool.Allocated, resp *http.Response) bool {
	interceptor := NewStreamInterceptor(resp.Body, func(text string, n int64) {
		res := adapter.ParseStreamedResponse(text)
		c.outputTokens = res.TokenCount
		c.bytesOut = n
	})

	if name := provider.Scripts.Checker; name != "" {
		if validator, ok := LookupValidator(name); ok {
			chunk, err := interceptor.Peek(validatorPeekBytes)
			if err != nil {
				interceptor.Close()
				h.deps.Metrics.IncRetry(provider.ID, "validator_read")
				c.releaseKey()
				return false
			}
			verdict := validator(chunk)
			if !verdict.OK {
				interceptor.Close()
				if verdict.Retryable {
					if verdict.KeyState != "" {
						if err := h.deps.Store.SetKeyState(context.Background(), alloc.Secret, verdict.KeyState); err != nil {
							h.log.Error("key state update failed",
								"key", logging.RedactKey(alloc.Secret),
								"error", err)
						}
						h.deps.Allocator.Invalidate(c.identity, provider.KeysID)
					}
					c.releaseKey()
					h.deps.Metrics.IncRetry(provider.ID, "validation")
					h.log.Warn("response validation failed, retrying",
						"provider", provider.ID,
						"validator", name,
						"reason", verdict.Message)
					return false
				}
				c.status = http.StatusBadGateway
				writeSchemaError(w, adapter, http.StatusBadGateway,
					schema.ErrorShape{Message: verdict.Message, Type: "api_error", Code: "validation_failed"})
				return true
			}
		} else {
			h.log.Error("validator not registered", "provider", provider.ID, "validator", name)
		}
	}

	adapter.CleanupResponseHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	c.status = resp.StatusCode
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, readErr := interceptor.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				// Caller disconnected; Close below still fires cleanup.
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			break
		}
	}
	interceptor.Close()
	c.finish()
	return true
}

// passthrough relays a non-retryable upstream error. An HTML error page is
// substituted with a structured error so callers always get a parseable
// body.
func (h *Handler) passthrough(w http.ResponseWriter, c *call, adapter schema.Adapter, resp *http.Response) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPassthroughBody))
	c.status = resp.StatusCode
	if err != nil || looksLikeHTML(body) || strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		writeSchemaError(w, adapter, resp.StatusCode,
			schema.ErrorShape{Message: "upstream rejected the request", Type: "invalid_request_error"})
		return
	}

	adapter.CleanupResponseHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

// writeSchemaError writes a structured error in the caller's schema shape.
func writeSchemaError(w http.ResponseWriter, adapter schema.Adapter, status int, shape schema.ErrorShape) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(adapter.BuildErrorBody(shape))
}
