// Package server implements the real-time core of LumenChat: authenticated
// WebSocket connections, the in-process presence registry, persist-then-
// fanout message relay, and best-effort ephemeral signals.
//
// The implementation is organized into specialized files for the hub,
// presence registry, relay, broadcaster, clients, routing, and HTTP handlers
// to keep the codebase maintainable and testable as the project grows.
package server
