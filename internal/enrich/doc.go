// Package enrich defines the core types and collaborator interfaces shared by
// the enrichment subsystems: job kinds, procurement records, queue items and
// the storage/clock abstractions workers depend on.
package enrich
