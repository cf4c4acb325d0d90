package proxy

import "strings"

// Route is a resolved provider route: the provider id and the remaining
// sub-path forwarded upstream.
type Route struct {
	ProviderID string
	Endpoint   string
}

// MatchProvider resolves a request path against the known provider ids.
// Provider ids may themselves contain slashes, so matching is longest
// prefix with a required separator boundary: "deepseek" matches
// "deepseek/chat" but not "deepseek-beta/chat". The ids slice must be
// sorted by descending length so the longest id wins.
func MatchProvider(path string, ids []string) (Route, bool) {
	path = strings.TrimPrefix(path, "/")
	for _, id := range ids {
		if path == id {
			return Route{ProviderID: id, Endpoint: "/"}, true
		}
		if strings.HasPrefix(path, id+"/") {
			return Route{ProviderID: id, Endpoint: path[len(id):]}, true
		}
	}
	return Route{}, false
}

// joinUpstreamPath builds the upstream URL path from base, schema prefix,
// and caller sub-path, collapsing duplicate slashes at the joints.
func joinUpstreamPath(base, prefix, endpoint string) string {
	out := strings.TrimSuffix(base, "/")
	if prefix != "" {
		out += "/" + strings.Trim(prefix, "/")
	}
	if endpoint != "" && endpoint != "/" {
		out += "/" + strings.TrimPrefix(endpoint, "/")
	}
	return out
}
