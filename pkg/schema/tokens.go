package schema

import (
	"encoding/json"
	"unicode/utf8"
)

// estimateTextTokens approximates a token count from raw text. Four
// characters per token tracks the common BPE vocabularies closely enough
// for limit gating; exact counts come from the upstream's usage block when
// one is present.
func estimateTextTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	tokens := (n + 3) / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// collectStrings walks a decoded JSON value and concatenates every string
// leaf. Chat request shapes differ per schema but all carry their prompt
// text as string leaves, so a whole-body walk gives a stable estimate
// without per-shape parsing.
func collectStrings(v any, out *[]byte) {
	switch t := v.(type) {
	case string:
		*out = append(*out, t...)
	case []any:
		for _, e := range t {
			collectStrings(e, out)
		}
	case map[string]any:
		for _, e := range t {
			collectStrings(e, out)
		}
	}
}

// estimateBodyTokens decodes a JSON request body and estimates tokens from
// its string content.
func estimateBodyTokens(body []byte) (int, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, err
	}
	var text []byte
	collectStrings(v, &text)
	return estimateTextTokens(string(text)), nil
}
