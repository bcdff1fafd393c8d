// Package version holds build-time version metadata, injected via
// -ldflags at build time. The defaults ("dev", "none") are used for
// unreleased builds.
package version

var (
	Version = "dev"
	Commit  = "none"
)
