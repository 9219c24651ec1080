// Package buildinfo exposes version metadata stamped at release build
// time via -ldflags. Defaults identify a local dev build.
package buildinfo

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the stamped metadata as a single line for --version
// output.
func String() string {
	return fmt.Sprintf("daefleet %s (commit %s, built %s)", Version, Commit, Date)
}
