// Package version reports the gateway's build identity.
package version

import "runtime/debug"

// AppName identifies the binary in version strings and log lines.
const AppName = "agentgw"

// commit may be injected with -ldflags for container builds that have no
// .git directory. When empty the VCS revision stamped by the toolchain
// is used instead.
var commit string

// GitCommit is the 8-character build revision, or "dev" when neither an
// injected commit nor VCS metadata is present (plain `go test` runs).
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commit != "" {
		return shorten(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return shorten(s.Value)
			}
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full renders "agentgw/<commit>" for logs and user-agent strings.
func Full() string { return AppName + "/" + GitCommit }
