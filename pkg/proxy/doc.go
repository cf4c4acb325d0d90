// Package proxy implements the request-proxying state machine: provider
// route resolution, the admission gates (authorization, spike, concurrency,
// cooldown, payload limits), the bounded retry loop with per-status failure
// classification, and the streaming relay back to the caller.
//
// # Request Lifecycle
//
// Every request passes ENTRY, the admission gates, body buffering, then a
// retry loop of allocate, upstream call, classify. A success streams the
// upstream body through a StreamInterceptor; any exit path funnels through a
// single-fire cleanup that releases the allocated key, decrements the
// in-flight counter, arms the next cooldown, and records counters.
//
// # Failure Classification
//
// Classify is the single authority mapping an upstream status code to one of
// {success, passthrough, disable key and retry, ratelimit key and retry,
// retry without state change}. The set is exhaustive and mutually exclusive
// per status code.
package proxy
