package schema

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestDetectCredential(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *http.Request
		want    Credential
		wantHit bool
	}{
		{
			name: "bearer token",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/x/openai/v1/chat/completions", nil)
				r.Header.Set("Authorization", "Bearer sk-test-123")
				return r
			},
			want:    Credential{Kind: KindOpenAI, Token: "sk-test-123"},
			wantHit: true,
		},
		{
			name: "anthropic header",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/x/anthropic/v1/messages", nil)
				r.Header.Set("x-api-key", "ant-key")
				return r
			},
			want:    Credential{Kind: KindAnthropic, Token: "ant-key"},
			wantHit: true,
		},
		{
			name: "gemini header",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/x/gemini/v1beta/models/g:generateContent", nil)
				r.Header.Set("x-goog-api-key", "goog-key")
				return r
			},
			want:    Credential{Kind: KindGemini, Token: "goog-key"},
			wantHit: true,
		},
		{
			name: "gemini query parameter",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/x/gemini/v1beta/models/g:generateContent?key=goog-q", nil)
			},
			want:    Credential{Kind: KindGemini, Token: "goog-q"},
			wantHit: true,
		},
		{
			name: "gemini header wins over bearer",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/x/gemini/v1beta/models/g:generateContent", nil)
				r.Header.Set("x-goog-api-key", "goog-key")
				r.Header.Set("Authorization", "Bearer other")
				return r
			},
			want:    Credential{Kind: KindGemini, Token: "goog-key"},
			wantHit: true,
		},
		{
			name: "no credential",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/x/openai/v1/models", nil)
			},
			wantHit: false,
		},
		{
			name: "empty bearer",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/x/openai/v1/chat/completions", nil)
				r.Header.Set("Authorization", "Bearer ")
				return r
			},
			wantHit: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DetectCredential(tt.build())
			if ok != tt.wantHit {
				t.Fatalf("DetectCredential() ok = %v, want %v", ok, tt.wantHit)
			}
			if ok && got != tt.want {
				t.Errorf("DetectCredential() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestChatCompletionEndpointDetection(t *testing.T) {
	tests := []struct {
		kind Kind
		path string
		want bool
	}{
		{KindOpenAI, "/v1/chat/completions", true},
		{KindOpenAI, "/v1/models", false},
		{KindAnthropic, "/v1/messages", true},
		{KindAnthropic, "/v1/complete", false},
		{KindGemini, "/v1beta/models/gemini-pro:generateContent", true},
		{KindGemini, "/v1beta/models/gemini-pro:streamGenerateContent", true},
		{KindGemini, "/v1beta/models/gemini-pro:generateContentBatch", true},
		{KindGemini, "/v1beta/models", false},
	}
	for _, tt := range tests {
		if got := ForKind(tt.kind).IsChatCompletionEndpoint(tt.path); got != tt.want {
			t.Errorf("%s IsChatCompletionEndpoint(%q) = %v, want %v", tt.kind, tt.path, got, tt.want)
		}
	}
}

func TestModelListEndpointDetection(t *testing.T) {
	for _, k := range []Kind{KindOpenAI, KindAnthropic, KindGemini} {
		a := ForKind(k)
		if !a.IsModelListEndpoint("/v1/models") && !a.IsModelListEndpoint("/v1beta/models") {
			t.Errorf("%s did not recognize a models path", k)
		}
		if a.IsModelListEndpoint("/v1/chat/completions") {
			t.Errorf("%s misclassified a chat path as model list", k)
		}
	}
}

func TestInjectCredential(t *testing.T) {
	h := http.Header{}
	q := url.Values{}

	ForKind(KindOpenAI).InjectCredential(h, q, "sk-1")
	if got := h.Get("Authorization"); got != "Bearer sk-1" {
		t.Errorf("openai Authorization = %q", got)
	}

	h = http.Header{}
	ForKind(KindAnthropic).InjectCredential(h, q, "ant-1")
	if got := h.Get("x-api-key"); got != "ant-1" {
		t.Errorf("anthropic x-api-key = %q", got)
	}

	h = http.Header{}
	q = url.Values{"key": []string{"caller-key"}}
	ForKind(KindGemini).InjectCredential(h, q, "goog-1")
	if got := h.Get("x-goog-api-key"); got != "goog-1" {
		t.Errorf("gemini x-goog-api-key = %q", got)
	}
	if q.Get("key") != "" {
		t.Error("gemini caller query credential not removed")
	}
}

func TestStripRequestHeadersRemovesCredentials(t *testing.T) {
	h := http.Header{}
	h.Set("Host", "example.com")
	h.Set("Content-Length", "42")
	h.Set("Authorization", "Bearer caller")
	h.Set("x-api-key", "caller")
	h.Set("x-goog-api-key", "caller")
	h.Set("cf-connecting-ip", "203.0.113.9")
	h.Set("Content-Type", "application/json")

	ForKind(KindOpenAI).StripRequestHeaders(h)

	for _, name := range []string{"Host", "Content-Length", "Authorization", "x-api-key", "x-goog-api-key", "cf-connecting-ip"} {
		if h.Get(name) != "" {
			t.Errorf("header %s survived strip", name)
		}
	}
	if h.Get("Content-Type") != "application/json" {
		t.Error("Content-Type should survive strip")
	}
}

func TestCleanupResponseHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Encoding", "gzip")
	h.Set("Content-Length", "1024")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Type", "text/event-stream")

	ForKind(KindOpenAI).CleanupResponseHeaders(h)

	if h.Get("Content-Encoding") != "" || h.Get("Content-Length") != "" || h.Get("Transfer-Encoding") != "" {
		t.Error("hop-by-hop response headers survived cleanup")
	}
	if h.Get("Content-Type") != "text/event-stream" {
		t.Error("Content-Type should survive cleanup")
	}
}

func TestParseStreamedResponseOpenAI(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{}}],"usage":{"completion_tokens":7}}`,
		`data: [DONE]`,
		"",
	}, "\n\n")

	res := ForKind(KindOpenAI).ParseStreamedResponse(sse)
	if res.Content != "Hello" {
		t.Errorf("Content = %q, want %q", res.Content, "Hello")
	}
	if res.TokenCount != 7 {
		t.Errorf("TokenCount = %d, want 7", res.TokenCount)
	}
}

func TestParseStreamedResponseOpenAINonStreamed(t *testing.T) {
	body := `{"choices":[{"message":{"content":"plain response"}}],"usage":{"completion_tokens":3}}`
	res := ForKind(KindOpenAI).ParseStreamedResponse(body)
	if res.Content != "plain response" {
		t.Errorf("Content = %q", res.Content)
	}
	if res.TokenCount != 3 {
		t.Errorf("TokenCount = %d, want 3", res.TokenCount)
	}
}

func TestParseStreamedResponseAnthropic(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"type":"content_block_delta","delta":{"text":"Hi "}}`,
		`data: {"type":"content_block_delta","delta":{"text":"there"}}`,
		`data: {"type":"message_delta","usage":{"output_tokens":5}}`,
		"",
	}, "\n\n")

	res := ForKind(KindAnthropic).ParseStreamedResponse(sse)
	if res.Content != "Hi there" {
		t.Errorf("Content = %q", res.Content)
	}
	if res.TokenCount != 5 {
		t.Errorf("TokenCount = %d, want 5", res.TokenCount)
	}
}

func TestParseStreamedResponseGemini(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"candidates":[{"content":{"parts":[{"text":"alpha "}]}}]}`,
		`data: {"candidates":[{"content":{"parts":[{"text":"beta"}]}}],"usageMetadata":{"candidatesTokenCount":9}}`,
		"",
	}, "\n\n")

	res := ForKind(KindGemini).ParseStreamedResponse(sse)
	if res.Content != "alpha beta" {
		t.Errorf("Content = %q", res.Content)
	}
	if res.TokenCount != 9 {
		t.Errorf("TokenCount = %d, want 9", res.TokenCount)
	}
}

func TestParseStreamedResponseEstimatesWhenNoUsage(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"abcdefgh\"}}]}\n\n"
	res := ForKind(KindOpenAI).ParseStreamedResponse(sse)
	if res.TokenCount != 2 {
		t.Errorf("TokenCount = %d, want estimated 2", res.TokenCount)
	}
}

func TestEstimateRequestTokens(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"twelve chars"}]}`)
	n, err := ForKind(KindOpenAI).EstimateRequestTokens(body)
	if err != nil {
		t.Fatalf("EstimateRequestTokens: %v", err)
	}
	if n <= 0 {
		t.Errorf("estimate = %d, want > 0", n)
	}

	if _, err := ForKind(KindOpenAI).EstimateRequestTokens([]byte("not json")); err == nil {
		t.Error("expected error for malformed body")
	}
}

func TestBuildErrorBodyShapes(t *testing.T) {
	shape := ErrorShape{Message: "boom", Type: "invalid_request_error", Code: "bad"}

	var openai struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ForKind(KindOpenAI).BuildErrorBody(shape), &openai); err != nil {
		t.Fatalf("openai error body: %v", err)
	}
	if openai.Error.Message != "boom" || openai.Error.Type != "invalid_request_error" {
		t.Errorf("openai error body = %+v", openai)
	}

	var anthropic struct {
		Type  string `json:"type"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ForKind(KindAnthropic).BuildErrorBody(shape), &anthropic); err != nil {
		t.Fatalf("anthropic error body: %v", err)
	}
	if anthropic.Type != "error" || anthropic.Error.Message != "boom" {
		t.Errorf("anthropic error body = %+v", anthropic)
	}

	var gemini struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ForKind(KindGemini).BuildErrorBody(shape), &gemini); err != nil {
		t.Fatalf("gemini error body: %v", err)
	}
	if gemini.Error.Message != "boom" || gemini.Error.Status != "bad" {
		t.Errorf("gemini error body = %+v", gemini)
	}
}

func TestBuildModelListBodyShapes(t *testing.T) {
	ids := []string{"m-1", "m-2"}

	var openai struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(ForKind(KindOpenAI).BuildModelListBody(ids), &openai); err != nil {
		t.Fatalf("openai model list: %v", err)
	}
	if openai.Object != "list" || len(openai.Data) != 2 || openai.Data[0].ID != "m-1" {
		t.Errorf("openai model list = %+v", openai)
	}

	var gemini struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(ForKind(KindGemini).BuildModelListBody(ids), &gemini); err != nil {
		t.Fatalf("gemini model list: %v", err)
	}
	if len(gemini.Models) != 2 || gemini.Models[1].Name != "models/m-2" {
		t.Errorf("gemini model list = %+v", gemini)
	}
}

func TestParseKind(t *testing.T) {
	for _, id := range []string{"openai", "anthropic", "gemini"} {
		if _, ok := ParseKind(id); !ok {
			t.Errorf("ParseKind(%q) rejected", id)
		}
	}
	if _, ok := ParseKind("cohere"); ok {
		t.Error("ParseKind accepted unknown schema")
	}
}
