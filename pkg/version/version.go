package version

import (
	"runtime/debug"
)

var (
	// Version is overridden at build time via ldflags; releases without
	// ldflags fall back to the module's embedded build metadata.
	Version = "dev"
	// Commit is the git commit hash, set at build time via ldflags
	Commit = ""
	// Date is the build date, set at build time via ldflags
	Date = ""
)

// Info describes the running build.
type Info struct {
	Version string
	Commit  string
	Date    string
}

// Get merges the ldflags values with whatever the Go toolchain embedded
// into the binary (module version, vcs revision and commit time).
func Get() Info {
	info := Info{Version: Version, Commit: Commit, Date: Date}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = s.Value
			}
		}
	}
	return info
}
