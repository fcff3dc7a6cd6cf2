// Package version provides build-time information for the DER utility server.
//
// Version metadata is injected at build time via -ldflags:
//
//	go build -ldflags="\
//	  -X 'github.com/gridedge/der-utility-server/internal/version.Version=v0.1.0' \
//	  -X 'github.com/gridedge/der-utility-server/internal/version.CommitHash=$(git rev-parse --short HEAD)' \
//	  -X 'github.com/gridedge/der-utility-server/internal/version.BuildTimestamp=$(date -u +%Y-%m-%dT%H:%M:%SZ)' \
//	" ./cmd/der-utility-server
//
// Default values ("dev", "n/a", "n/a") apply when no -ldflags are supplied.
package version
