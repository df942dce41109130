// Package version holds the sagakit build identity.
//
// Version, commit and build time are set at link time:
//
//	go build -ldflags "-X github.com/kbukum/sagakit/version.Version=1.4.0 \
//	    -X github.com/kbukum/sagakit/version.BuildTime=2026-03-01T10:00:00Z" ./cmd/sagactl
//
// Missing values fall back to the VCS stamp Go embeds in the binary.
package version
