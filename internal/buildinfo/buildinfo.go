// Package buildinfo holds version and build metadata stamped at compile
// time via ldflags:
//
//	go build -ldflags "-X github.com/nugget/sensorwatch/internal/buildinfo.Version=v0.3.0"
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// startTime records when the process started.
var startTime = time.Now()

// Info returns the static build metadata. When GitCommit was not
// stamped, the VCS revision recorded by the Go toolchain is used.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": commit(),
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// RuntimeInfo returns Info plus process uptime.
func RuntimeInfo() map[string]string {
	info := Info()
	info["uptime"] = Uptime().String()
	return info
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("sensorwatch %s (%s@%s) built %s", Version, commit(), GitBranch, BuildTime)
}

func commit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return GitCommit
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return s.Value[:7]
		}
	}
	return GitCommit
}
