// Package store defines interfaces for persistence dependencies (operation
// event logs, credential usage logs). Implementations live in other packages;
// this package must not import database drivers or concrete clients.
package store
