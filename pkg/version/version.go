// Package version resolves the build identity reported by health
// endpoints. Resolution order: link-time override, the module's VCS
// revision, then "dev".
package version

import "runtime/debug"

// commit is set at link time for container builds where .git is absent:
//
//	-ldflags "-X github.com/chalklabs/chalk/pkg/version.commit=<sha>"
var commit string

// GitCommit is the short (8 char) revision identifying this build, or
// "dev" when nothing stamped it (go test, non-git checkouts).
var GitCommit = resolve()

func resolve() string {
	rev := commit
	if rev == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					rev = s.Value
					break
				}
			}
		}
	}
	if rev == "" {
		return "dev"
	}
	if len(rev) > 8 {
		rev = rev[:8]
	}
	return rev
}
