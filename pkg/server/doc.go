// Package server assembles the HTTP ingress: the /x/ proxy surface, the
// verification side-channel, health and metrics endpoints, and the
// middleware chain. It owns the http.Server lifecycle including graceful
// shutdown.
package server
