package core

// Build information, overridden at build time via -ldflags.
const (
	// Version is the current service version.
	Version = "development"

	// APIVersion is the wire contract version of the HTTP surface.
	APIVersion = "v1"

	// BuildDate is set during build time.
	BuildDate = "development"

	// GitCommit is set during build time.
	GitCommit = "unknown"
)
