// Package buildinfo reports what binary a node is running: link-time
// version metadata plus process uptime, consumed by the version
// subcommand and the diagnostics dashboard.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Stamped through -ldflags at release time; the defaults identify an
// unstamped development build.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Field is one piece of build or runtime metadata.
type Field struct {
	Key   string
	Value string
}

// Fields returns the metadata in presentation order.
func Fields() []Field {
	return []Field{
		{"version", Version},
		{"git_commit", GitCommit},
		{"build_time", BuildTime},
		{"go_version", runtime.Version()},
		{"platform", Platform()},
		{"uptime", Uptime().String()},
	}
}

// Platform returns the os/arch pair the binary was built for.
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// Uptime returns how long the process has been running, truncated to
// whole seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for startup banners.
func String() string {
	return fmt.Sprintf("multisensed %s (%s) built %s", Version, GitCommit, BuildTime)
}
