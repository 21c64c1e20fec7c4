// Package domain holds the core data records shared across the dispatch
// pipeline: queued email jobs, campaigns with their sending windows,
// organizations with their sending allowances, and the status vocabulary
// persisted back to the relational store.
//
// Types here are plain data. Behavior lives in the service packages, which
// must never be imported from here.
package domain
