// Package progress defines the operation lifecycle events, the non-blocking
// hub that batches them on a background goroutine, and the Broadcaster sink
// that relays them to live stream subscribers. Persistent and metric sinks
// live in the sinks subpackage.
package progress
