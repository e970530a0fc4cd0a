// Package buildinfo identifies the running build.
package buildinfo

import "runtime/debug"

// Set at build time via -ldflags "-X kcore/internal/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Short returns a compact build identifier: the version when one was
// stamped, else the commit, else "dev".
func Short() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if c := commit(); c != "" {
		return c
	}
	return "dev"
}

// Banner is the first log line of a boot.
func Banner() string {
	s := "kcore " + Short()
	if Date != "" {
		s += " (" + Date + ")"
	}
	return s
}

// commit prefers the ldflags value and falls back to the VCS revision the
// toolchain recorded.
func commit() string {
	c := Commit
	if c == "" {
		c = vcsRevision()
	}
	if len(c) > 12 {
		c = c[:12]
	}
	return c
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}
