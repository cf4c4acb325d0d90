// Package middleware provides the HTTP middleware chain for the ingress
// server: request id generation, structured request logging, panic
// recovery, and CIDR-based origin blocking.
//
// Middleware composes by wrapping:
//
//	handler = RequestID(Logging(Recovery(mux)))
package middleware
