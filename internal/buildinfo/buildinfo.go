// Package buildinfo carries version metadata stamped in at link time.
package buildinfo

// Set with -ldflags "-X github.com/modoterra/logkit/internal/buildinfo.Version=..."
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
