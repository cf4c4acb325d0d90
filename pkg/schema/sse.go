package schema

import "strings"

// sseEvents splits an accumulated SSE body into its data payloads. Lines
// that are not data fields (event names, comments, blanks) are skipped.
// A non-SSE body yields no events.
func sseEvents(text string) []string {
	if !strings.Contains(text, "data:") {
		return nil
	}
	var events []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		rest, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		rest = strings.TrimSpace(rest)
		if rest == "" || rest == "[DONE]" {
			continue
		}
		events = append(events, rest)
	}
	return events
}
