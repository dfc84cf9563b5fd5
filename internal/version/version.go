package version

import "fmt"

// Set through -ldflags "-X datapull/internal/version.Version=..." at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("datapull %s (commit %s, built %s)", Version, Commit, BuildDate)
}
