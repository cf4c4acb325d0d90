package schema

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"mino-hq/mino/pkg/config"
)

type geminiAdapter struct{}

func (geminiAdapter) Kind() Kind { return KindGemini }

// InjectCredential sets the header form and removes any caller-supplied
// query form so the upstream never sees two credentials.
func (geminiAdapter) InjectCredential(h http.Header, q url.Values, secret string) {
	h.Set("x-goog-api-key", secret)
	q.Del("key")
}

var geminiChatSuffixes = []string{
	":generateContent",
	":generateContentBatch",
	":streamGenerateContent",
}

func (geminiAdapter) IsChatCompletionEndpoint(path string) bool {
	for _, suffix := range geminiChatSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

func (geminiAdapter) IsModelListEndpoint(path string) bool {
	return strings.HasSuffix(path, "/models")
}

func (geminiAdapter) EstimateRequestTokens(body []byte) (int, error) {
	return estimateBodyTokens(body)
}

type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (geminiAdapter) ParseStreamedResponse(text string) StreamResult {
	var res StreamResult
	var content strings.Builder
	events := sseEvents(text)
	if events == nil {
		events = []string{text}
	}
	for _, ev := range events {
		var c geminiChunk
		if err := json.Unmarshal([]byte(ev), &c); err != nil {
			continue
		}
		for _, cand := range c.Candidates {
			for _, part := range cand.Content.Parts {
				content.WriteString(part.Text)
			}
		}
		if c.UsageMetadata != nil && c.UsageMetadata.CandidatesTokenCount > 0 {
			res.TokenCount = c.UsageMetadata.CandidatesTokenCount
		}
	}
	res.Content = content.String()
	if res.TokenCount == 0 {
		res.TokenCount = estimateTextTokens(res.Content)
	}
	return res
}

func (geminiAdapter) BuildErrorBody(e ErrorShape) []byte {
	status := e.Code
	if status == "" {
		status = "INTERNAL"
	}
	b, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": e.Message,
			"status":  status,
		},
	})
	return b
}

func (geminiAdapter) BuildModelListBody(ids []string) []byte {
	models := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		models = append(models, map[string]any{
			"name": "models/" + id,
		})
	}
	b, _ := json.Marshal(map[string]any{"models": models})
	return b
}

func (geminiAdapter) StripRequestHeaders(h http.Header) {
	baseStripRequestHeaders(h)
}

func (geminiAdapter) OverrideRequestHeaders(h http.Header, pairs []config.HeaderPair) {
	applyOverrides(h, pairs)
}

func (geminiAdapter) CleanupResponseHeaders(h http.Header) {
	baseCleanupResponseHeaders(h)
}
