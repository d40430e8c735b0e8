// Package stream carries operation progress to watchers. The server side
// upgrades GET /operations/{id}/stream to a websocket; the client side
// follows an operation across reconnects, polls snapshots on a bounded
// budget, and reconciles a cached operation id against server state.
package stream
