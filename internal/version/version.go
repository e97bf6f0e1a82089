// Package version holds build metadata injected through -ldflags.
package version

var (
	// Version is the release tag the binary was built from.
	Version = "dev"
	// GitSHA is the git commit SHA.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)
