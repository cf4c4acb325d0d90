package server

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"mino-hq/mino/pkg/proxy"
	"mino-hq/mino/pkg/schema"
)

// devAddress and devCountry stand in when proxy headers are not trusted
// (local development without an edge in front).
const (
	devAddress = "127.0.0.1"
	devCountry = "AQ"
)

// resolveAddress extracts the client address and country. With trusted
// proxy headers the edge-supplied cf-connecting-ip / cf-ipcountry pair is
// authoritative; otherwise the development fallback applies.
func resolveAddress(r *http.Request, trustProxyHeaders bool) (address, country string) {
	if trustProxyHeaders {
		return r.Header.Get("cf-connecting-ip"), r.Header.Get("cf-ipcountry")
	}

	address = devAddress
	country = devCountry
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		address = host
	}
	return address, country
}

// withCaller resolves the caller (address, country, account) and attaches
// it to the request context. Requests with no resolvable origin are
// rejected.
func (s *Server) withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address, country := resolveAddress(r, s.cfg.Server.TrustProxyHeaders)
		if address == "" || country == "" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		caller := proxy.Caller{Address: address, Country: country}

		// The credential token doubles as a user token; a hit upgrades the
		// caller to an authenticated identity.
		if cred, ok := schema.DetectCredential(r); ok {
			user, err := s.deps.Store.GetUserByToken(r.Context(), cred.Token)
			if err != nil {
				slog.Error("user lookup failed", "error", err)
			} else if user != nil && !user.Expired(time.Now()) && !user.Restricted {
				caller.User = user
			}
		}

		next.ServeHTTP(w, r.WithContext(proxy.WithCaller(r.Context(), caller)))
	})
}
