package schema

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"mino-hq/mino/pkg/config"
)

type openAIAdapter struct{}

func (openAIAdapter) Kind() Kind { return KindOpenAI }

func (openAIAdapter) InjectCredential(h http.Header, _ url.Values, secret string) {
	h.Set("Authorization", "Bearer "+secret)
}

func (openAIAdapter) IsChatCompletionEndpoint(path string) bool {
	return strings.HasSuffix(path, "/chat/completions")
}

func (openAIAdapter) IsModelListEndpoint(path string) bool {
	return strings.HasSuffix(path, "/models")
}

func (openAIAdapter) EstimateRequestTokens(body []byte) (int, error) {
	return estimateBodyTokens(body)
}

// openAIChunk is the subset of a completion response (streamed chunk or
// whole body) the interceptor cares about.
type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (openAIAdapter) ParseStreamedResponse(text string) StreamResult {
	var res StreamResult
	var content strings.Builder
	events := sseEvents(text)
	if events == nil {
		events = []string{text}
	}
	for _, ev := range events {
		var c openAIChunk
		if err := json.Unmarshal([]byte(ev), &c); err != nil {
			continue
		}
		for _, choice := range c.Choices {
			content.WriteString(choice.Delta.Content)
			content.WriteString(choice.Message.Content)
		}
		if c.Usage != nil && c.Usage.CompletionTokens > 0 {
			res.TokenCount = c.Usage.CompletionTokens
		}
	}
	res.Content = content.String()
	if res.TokenCount == 0 {
		res.TokenCount = estimateTextTokens(res.Content)
	}
	return res
}

func (openAIAdapter) BuildErrorBody(e ErrorShape) []byte {
	body := map[string]any{
		"error": map[string]any{
			"message": e.Message,
			"type":    e.Type,
			"code":    e.Code,
			"param":   e.Param,
		},
	}
	b, _ := json.Marshal(body)
	return b
}

func (openAIAdapter) BuildModelListBody(ids []string) []byte {
	models := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		models = append(models, map[string]any{
			"id":       id,
			"object":   "model",
			"owned_by": "system",
		})
	}
	b, _ := json.Marshal(map[string]any{"object": "list", "data": models})
	return b
}

func (openAIAdapter) StripRequestHeaders(h http.Header) {
	baseStripRequestHeaders(h)
}

func (openAIAdapter) OverrideRequestHeaders(h http.Header, pairs []config.HeaderPair) {
	applyOverrides(h, pairs)
}

func (openAIAdapter) CleanupResponseHeaders(h http.Header) {
	baseCleanupResponseHeaders(h)
}
