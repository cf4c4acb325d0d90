package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mino-hq/mino/pkg/config"
	"mino-hq/mino/pkg/keypool"
	"mino-hq/mino/pkg/session"
	"mino-hq/mino/pkg/spike"
	"mino-hq/mino/pkg/store"
	"mino-hq/mino/pkg/telemetry/metrics"
)

func chatProvider(upstream string) *config.Provider {
	return &config.Provider{
		ID:     "test",
		KeysID: "pool",
		Enable: true,
		Endpoint: map[string]string{
			"default": upstream,
		},
		Schema: []config.ProviderSchema{
			{ID: "openai", UpstreamPath: "/v1"},
		},
		Concurrency: config.ProviderConcurrency{
			Identity: 4,
			Keys: config.KeyConcurrency{
				SameKey:         2,
				MaxUsageSameKey: 1,
			},
		},
	}
}

type testEnv struct {
	store    *store.MemoryStore
	sessions *session.Tracker
	tracker  *keypool.ConcurrencyTracker
	cache    *ModelCache
	handler  *Handler
}

func newTestEnv(t *testing.T, provider *config.Provider) *testEnv {
	t.Helper()

	reg, err := config.NewRegistry(provider)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	st := store.NewMemoryStore()
	if err := st.EnsureProviderRows(context.Background(), reg.IDs()); err != nil {
		t.Fatalf("EnsureProviderRows: %v", err)
	}
	sessions := session.NewTracker()
	tracker := keypool.NewConcurrencyTracker()
	cache := NewModelCache()

	guard := spike.NewGuard(config.SpikeConfig{
		PerIdentityWindow: time.Minute,
		PerIdentityMax:    10000,
		GlobalWindow:      time.Minute,
		GlobalMax:         100000,
		SpikeDuration:     time.Minute,
	}, nil)

	h := NewHandler(config.ProxyConfig{
		MaxAttempts:     3,
		UpstreamTimeout: 5 * time.Second,
		MaxBodyBytes:    1 << 20,
	}, Deps{
		Registry:  reg,
		Store:     st,
		Sessions:  sessions,
		Allocator: keypool.NewAllocator(st, sessions, tracker, nil),
		Guard:     guard,
		Cache:     cache,
		Metrics:   metrics.New(config.MetricsConfig{Enabled: true, Namespace: "test"}),
		Client:    &http.Client{Timeout: 5 * time.Second},
	})

	return &testEnv{store: st, sessions: sessions, tracker: tracker, cache: cache, handler: h}
}

func (e *testEnv) addKeys(t *testing.T, secrets ...string) {
	t.Helper()
	for _, s := range secrets {
		if _, err := e.store.InsertKey(context.Background(), "pool", s, store.KeyMetadata{}); err != nil {
			t.Fatalf("InsertKey(%s): %v", s, err)
		}
	}
}

func chatRequest(token, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/x/test/v1/chat/completions", strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Set("Content-Type", "application/json")
	return r.WithContext(WithCaller(r.Context(), Caller{Address: "203.0.113.5", Country: "DE"}))
}

const chatBody = `{"model":"m","messages":[{"role":"user","content":"hi"}]}`

// waitForCounter polls the fire-and-forget request counter.
func (e *testEnv) waitForCounter(t *testing.T, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _, _ := e.store.ProviderCounters("test"); got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _, _ := e.store.ProviderCounters("test")
	t.Fatalf("request counter = %d, want %d", got, want)
}

func TestHandlerProxiesSuccess(t *testing.T) {
	var upstreamAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"content":"pong"}}],"usage":{"completion_tokens":2}}`)
	}))
	defer upstream.Close()

	env := newTestEnv(t, chatProvider(upstream.URL))
	env.addKeys(t, "sk-one")

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, chatRequest("caller-token", chatBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "pong") {
		t.Errorf("body not relayed: %s", rec.Body.String())
	}
	if upstreamAuth != "Bearer sk-one" {
		t.Errorf("upstream credential = %q, want injected pool key", upstreamAuth)
	}

	if n := env.sessions.Active("DE:203.0.113.5"); n != 0 {
		t.Errorf("active count after completion = %d, want 0", n)
	}
	if n := env.tracker.Len(); n != 0 {
		t.Errorf("concurrency tracker holds %d keys after completion, want 0", n)
	}
	env.waitForCounter(t, 1)
}

func TestHandlerRetriesOn401AndDisablesKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer sk-bad" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer upstream.Close()

	env := newTestEnv(t, chatProvider(upstream.URL))
	env.addKeys(t, "sk-bad")

	// First pass burns the bad key.
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, chatRequest("caller-token", chatBody))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("single bad key: status = %d, want 500", rec.Code)
	}
	if key, ok := env.store.KeyBySecret("sk-bad"); !ok || key.State != store.KeyDisabled {
		t.Fatalf("bad key state = %+v, want disabled", key)
	}

	// With a good key alongside, retries land on it.
	if err := env.store.SetKeyState(context.Background(), "sk-bad", store.KeyActive); err != nil {
		t.Fatal(err)
	}
	env.addKeys(t, "sk-good")

	for i := 0; i < 4; i++ {
		rec = httptest.NewRecorder()
		env.handler.ServeHTTP(rec, chatRequest("caller-token", chatBody))
		if rec.Code != http.StatusOK && rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d", rec.Code)
		}
		if rec.Code == http.StatusOK {
			return
		}
	}
	t.Fatal("never reached the good key across retried requests")
}

func TestHandlerRatelimitOn429(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	env := newTestEnv(t, chatProvider(upstream.URL))
	env.addKeys(t, "sk-one")

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, chatRequest("caller-token", chatBody))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 after exhausting keys", rec.Code)
	}
	if key, _ := env.store.KeyBySecret("sk-one"); key.State != store.KeyRatelimited {
		t.Errorf("key state = %s, want ratelimited", key.State)
	}
	if !strings.Contains(rec.Body.String(), "all allocated keys unavailable") {
		t.Errorf("exhaustion body = %s", rec.Body.String())
	}
}

func TestHandlerPassthroughOn400(t *testing.T) {
	hits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"bad prompt","type":"invalid_request_error"}}`)
	}))
	defer upstream.Close()

	env := newTestEnv(t, chatProvider(upstream.URL))
	env.addKeys(t, "sk-one")

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, chatRequest("caller-token", chatBody))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 passthrough", rec.Code)
	}
	if hits != 1 {
		t.Errorf("upstream hit %d times, a 400 must not retry", hits)
	}
	if !strings.Contains(rec.Body.String(), "bad prompt") {
		t.Errorf("upstream error body not relayed: %s", rec.Body.String())
	}
	if key, _ := env.store.KeyBySecret("sk-one"); key.State != store.KeyActive {
		t.Errorf("key state = %s, a 400 must not touch key health", key.State)
	}
}

func TestHandlerSubstitutesHTMLErrorPage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "<!DOCTYPE html><html><body>Bad gateway page</body></html>")
	}))
	defer upstream.Close()

	env := newTestEnv(t, chatProvider(upstream.URL))
	env.addKeys(t, "sk-one")

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, chatRequest("caller-token", chatBody))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var decoded struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("HTML page must be replaced with structured JSON, got: %s", rec.Body.String())
	}
	if decoded.Error.Message == "" {
		t.Errorf("structured error missing message: %s", rec.Body.String())
	}
}

func TestHandlerExhaustsRetryBudgetOn500(t *testing.T) {
	hits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	env := newTestEnv(t, chatProvider(upstream.URL))
	env.addKeys(t, "sk-one", "sk-two", "sk-three")

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, chatRequest("caller-token", chatBody))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if hits != 3 {
		t.Errorf("upstream hit %d times, want the full retry budget of 3", hits)
	}
	// Transient failures leave key state alone.
	for _, s := range []string{"sk-one", "sk-two", "sk-three"} {
		if key, _ := env.store.KeyBySecret(s); key.State != store.KeyActive {
			t.Errorf("key %s state = %s, want active", s, key.State)
		}
	}
}

func TestHandlerNoKeysAvailable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called without a key")
	}))
	defer upstream.Close()

	env := newTestEnv(t, chatProvider(upstream.URL))

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, chatRequest("caller-token", chatBody))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "keys_exhausted") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandlerUnknownProvider(t *testing.T) {
	env := newTestEnv(t, chatProvider("http://127.0.0.1:0"))

	r := httptest.NewRequest(http.MethodPost, "/x/nosuch/v1/chat/completions", strings.NewReader(chatBody))
	r = r.WithContext(WithCaller(r.Context(), Caller{Address: "203.0.113.5", Country: "DE"}))

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandlerModelList(t *testing.T) {
	env := newTestEnv(t, chatProvider("http://127.0.0.1:0"))

	r := httptest.NewRequest(http.MethodGet, "/x/test/v1/models", nil)
	r.Header.Set("Authorization", "Bearer caller-token")
	r = r.WithContext(WithCaller(r.Context(), Caller{Address: "203.0.113.5", Country: "DE"}))

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("cold cache status = %d, want 503", rec.Code)
	}

	env.cache.Set("test", []string{"model-a", "model-b"})

	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/x/test/v1/models", nil)
	r.Header.Set("Authorization", "Bearer caller-token")
	r = r.WithContext(WithCaller(r.Context(), Caller{Address: "203.0.113.5", Country: "DE"}))
	env.handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("warm cache status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "model-a") {
		t.Errorf("model list body = %s", rec.Body.String())
	}
}

func TestHandlerRequireAuth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer upstream.Close()

	provider := chatProvider(upstream.URL)
	provider.RequireAuth = true
	env := newTestEnv(t, provider)
	env.addKeys(t, "sk-one")

	// Anonymous caller.
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, chatRequest("unknown-token", chatBody))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("anonymous: status = %d, want 403", rec.Code)
	}

	user, err := env.store.CreateUser(context.Background(), store.User{
		Username: "u1", Token: "user-token", Tier: store.TierUser,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Known user without an allow-list entry.
	r := chatRequest("user-token", chatBody)
	r = r.WithContext(WithCaller(r.Context(), Caller{Address: "203.0.113.5", Country: "DE", User: user}))
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unlisted user: status = %d, want 403", rec.Code)
	}

	// Allow-listed user.
	env.store.SetAllowedProviders(user.ID, []string{"test"})
	r = chatRequest("user-token", chatBody)
	r = r.WithContext(WithCaller(r.Context(), Caller{Address: "203.0.113.5", Country: "DE", User: user}))
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("allow-listed user: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Admin bypasses the allow-list.
	admin, err := env.store.CreateUser(context.Background(), store.User{
		Username: "root", Token: "admin-token", Tier: store.TierAdmin,
	})
	if err != nil {
		t.Fatal(err)
	}
	r = chatRequest("admin-token", chatBody)
	r = r.WithContext(WithCaller(r.Context(), Caller{Address: "203.0.113.5", Country: "DE", User: admin}))
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin: status = %d", rec.Code)
	}
}

func TestHandlerInputTokenLimit(t *testing.T) {
	provider := chatProvider("http://127.0.0.1:0")
	provider.Limit.Payload.Input = 1
	env := newTestEnv(t, provider)
	env.addKeys(t, "sk-one")

	long := `{"model":"m","messages":[{"role":"user","content":"` + strings.Repeat("x", 400) + `"}]}`
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, chatRequest("caller-token", long))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "input_limit") {
		t.Errorf("body = %s", rec.Body.String())
	}
	if n := env.sessions.Active("DE:203.0.113.5"); n != 0 {
		t.Errorf("active count after limit rejection = %d, want 0", n)
	}
}

func TestHandlerCooldownRejectsWithoutRearm(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer upstream.Close()

	provider := chatProvider(upstream.URL)
	provider.Cooldown = map[string]config.Duration{
		"default": config.Duration(10 * time.Second),
	}
	env := newTestEnv(t, provider)
	env.addKeys(t, "sk-one")

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, chatRequest("caller-token", chatBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rec.Code)
	}

	armed := env.sessions.Cooldown("DE:203.0.113.5", "chat")
	if !armed.After(time.Now()) {
		t.Fatal("cooldown not armed after first request")
	}

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, chatRequest("caller-token", chatBody))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rec.Code)
	}

	if got := env.sessions.Cooldown("DE:203.0.113.5", "chat"); !got.Equal(armed) {
		t.Errorf("cooldown moved from %v to %v on rejection, must not re-arm", armed, got)
	}
}

func TestHandlerSpikeRejection(t *testing.T) {
	provider := chatProvider("http://127.0.0.1:0")
	env := newTestEnv(t, provider)
	env.addKeys(t, "sk-one")

	tight := spike.NewGuard(config.SpikeConfig{
		PerIdentityWindow: time.Minute,
		PerIdentityMax:    0,
		GlobalWindow:      time.Minute,
		GlobalMax:         100000,
		SpikeDuration:     time.Minute,
	}, nil)
	env.handler.deps.Guard = tight

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, chatRequest("caller-token", chatBody))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "spike_active") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandlerConcurrentCallsUseDistinctKeys(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	seen := map[string]bool{}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.Header.Get("Authorization")] = true
		mu.Unlock()
		<-release
		io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer upstream.Close()

	provider := chatProvider(upstream.URL)
	provider.Concurrency.Identity = 2
	provider.Concurrency.Keys.SameKey = 1
	env := newTestEnv(t, provider)
	env.addKeys(t, "sk-one", "sk-two")

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, chatRequest("u1", chatBody))
			codes[i] = rec.Code
		}(i)
	}

	// Both calls must be in flight on distinct keys before release.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			close(release)
			wg.Wait()
			t.Fatalf("saw %d distinct keys in flight, want 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("call %d status = %d", i, code)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if !seen["Bearer sk-one"] || !seen["Bearer sk-two"] {
		t.Errorf("keys seen in flight = %v, want both pool keys", seen)
	}
}

func TestHandlerValidationRetries(t *testing.T) {
	hits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<!DOCTYPE html><html><body>interstitial</body></html>")
			return
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"real answer"}}]}`)
	}))
	defer upstream.Close()

	provider := chatProvider(upstream.URL)
	provider.Scripts.Checker = "html-body"
	env := newTestEnv(t, provider)
	env.addKeys(t, "sk-one")

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, chatRequest("caller-token", chatBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if hits != 2 {
		t.Errorf("upstream hit %d times, want a validation-driven retry", hits)
	}
	if !strings.Contains(rec.Body.String(), "real answer") {
		t.Errorf("body = %s", rec.Body.String())
	}
}
