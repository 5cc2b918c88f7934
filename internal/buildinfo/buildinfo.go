// Package buildinfo carries the release stamp shared by iond and ionctl.
//
// Release builds set the variables with the linker:
//
//	go build -ldflags "-X github.com/joshuapare/ionkit/internal/buildinfo.Version=v0.2.0 \
//	  -X github.com/joshuapare/ionkit/internal/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// stamp returns Commit and Date, falling back to the VCS stamp the go tool
// embeds.
func stamp() (commit, date string) {
	commit, date = Commit, Date
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" && len(s.Value) >= 7 {
					commit = s.Value[:7]
				}
			case "vcs.time":
				if date == "" {
					date = s.Value
				}
			}
		}
	}
	if commit == "" {
		commit = "none"
	}
	if date == "" {
		date = "unknown"
	}
	return commit, date
}

// String formats the stamp for binary name.
func String(name string) string {
	commit, date := stamp()
	return fmt.Sprintf("%s %s\n  commit: %s\n  built: %s\n", name, Version, commit, date)
}
