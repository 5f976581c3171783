// Package version holds build metadata, overridable via -ldflags.
package version

import "fmt"

var (
	// Version is the semantic version of the build.
	Version = "0.3.0"
	// Commit is the git revision, set at build time.
	Commit = "dev"
)

// Info returns a printable version string.
func Info() string {
	return fmt.Sprintf("mediaflow %s (%s)", Version, Commit)
}
