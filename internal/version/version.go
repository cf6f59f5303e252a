// Package version carries build metadata set with -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("tracebridge %s (commit %s, built %s)", Version, Commit, Date)
}

// UserAgent identifies the bridge to the ingestion backend.
func UserAgent() string {
	return "tracebridge/" + Version
}
