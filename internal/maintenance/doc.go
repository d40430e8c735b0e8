// Package maintenance runs the periodic housekeeping of the operation
// registry: archiving finished operations past their retention window and
// failing running operations that stopped reporting.
package maintenance
