// Package schema implements the protocol adapter contract: the per-wire-
// format translation each upstream provider family needs.
//
// The schema set is closed (openai, anthropic, gemini) and dispatch is a
// switch over the Kind enum rather than a runtime lookup table, so an
// unknown schema id is a config-load error, not a request-time surprise.
//
// A schema also doubles as the caller credential convention: the header a
// client uses to present its token (Authorization bearer, x-api-key,
// x-goog-api-key or ?key=) reveals which protocol family it speaks, which
// is how the proxy resolves a request's schema when the provider supports
// several.
package schema
