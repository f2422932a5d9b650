// Package version reports the module path and version string printed
// by the version subcommand.
package version

import (
	"runtime/debug"
	"strings"
)

const defaultModule = "pkt.systems/scrivd"

// buildVersion is set via -ldflags "-X pkt.systems/scrivd/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the stamped release version when one was linked in,
// the module version from build info otherwise, and the VCS revision
// of the build as a last resort.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	var rev string
	var dirty bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			rev = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if rev == "" {
		return "devel"
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "+dirty"
	}
	return "devel-" + rev
}

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}
