// Package version provides the build version information for the Shelfline
// binary.
package version

import "fmt"

// Version is the release version, injected via ldflags at build time.
var Version = "dev"

// Commit is the git commit hash, injected via ldflags at build time.
var Commit = "none"

// Date is the build date, injected via ldflags at build time.
var Date = "unknown"

// String renders the full version line.
func String() string {
	return fmt.Sprintf("shelfline %s (commit %s, built %s)", Version, Commit, Date)
}
