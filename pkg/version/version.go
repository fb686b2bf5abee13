// Package version exposes the build version for logs and the health
// endpoint. Priority: -ldflags override > VCS info from debug.BuildInfo
// > "dev" fallback.
package version

import "runtime/debug"

// AppName is used in version strings and the HTTP user agent.
const AppName = "rlmd"

// gitCommitOverride is set via -ldflags for container builds where .git
// is unavailable. Empty string means no override.
var gitCommitOverride string

// GitCommit is the short git commit hash, or "dev" when build info is
// unavailable.
var GitCommit = initGitCommit()

func initGitCommit() string {
	if gitCommitOverride != "" {
		return short(gitCommitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return short(s.Value)
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "rlmd/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
