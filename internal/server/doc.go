// Package server hosts the messenger API and websocket endpoint from a single
// HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// rate limiting, and bearer auth so handlers all share common protections.
package server
