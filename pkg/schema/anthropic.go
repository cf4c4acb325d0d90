package schema

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"mino-hq/mino/pkg/config"
)

type anthropicAdapter struct{}

func (anthropicAdapter) Kind() Kind { return KindAnthropic }

func (anthropicAdapter) InjectCredential(h http.Header, _ url.Values, secret string) {
	h.Set("x-api-key", secret)
}

func (anthropicAdapter) IsChatCompletionEndpoint(path string) bool {
	return strings.HasSuffix(path, "/messages")
}

func (anthropicAdapter) IsModelListEndpoint(path string) bool {
	return strings.HasSuffix(path, "/models")
}

func (anthropicAdapter) EstimateRequestTokens(body []byte) (int, error) {
	return estimateBodyTokens(body)
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (anthropicAdapter) ParseStreamedResponse(text string) StreamResult {
	var res StreamResult
	var content strings.Builder
	events := sseEvents(text)
	if events == nil {
		events = []string{text}
	}
	for _, ev := range events {
		var e anthropicEvent
		if err := json.Unmarshal([]byte(ev), &e); err != nil {
			continue
		}
		content.WriteString(e.Delta.Text)
		for _, block := range e.Content {
			if block.Type == "text" {
				content.WriteString(block.Text)
			}
		}
		if e.Usage != nil && e.Usage.OutputTokens > 0 {
			res.TokenCount = e.Usage.OutputTokens
		}
	}
	res.Content = content.String()
	if res.TokenCount == 0 {
		res.TokenCount = estimateTextTokens(res.Content)
	}
	return res
}

func (anthropicAdapter) BuildErrorBody(e ErrorShape) []byte {
	kind := e.Type
	if kind == "" {
		kind = "api_error"
	}
	b, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    kind,
			"message": e.Message,
		},
	})
	return b
}

func (anthropicAdapter) BuildModelListBody(ids []string) []byte {
	models := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		models = append(models, map[string]any{
			"type": "model",
			"id":   id,
		})
	}
	b, _ := json.Marshal(map[string]any{"data": models, "has_more": false})
	return b
}

func (anthropicAdapter) StripRequestHeaders(h http.Header) {
	baseStripRequestHeaders(h)
}

func (anthropicAdapter) OverrideRequestHeaders(h http.Header, pairs []config.HeaderPair) {
	applyOverrides(h, pairs)
}

func (anthropicAdapter) CleanupResponseHeaders(h http.Header) {
	baseCleanupResponseHeaders(h)
}
