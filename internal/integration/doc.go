// Package integration holds cross-package tests that run the store and
// archive layers against a real PostgreSQL container, verifying the
// end-to-end invariants from spec.md §8 (archive-before-mutate, idempotent
// registration, archive-aware fetch) rather than any single package's
// internals in isolation.
//
// Run with: go test -tags=integration ./internal/integration/...
package integration
