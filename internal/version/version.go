package version

// Set at build time via -ldflags, for example:
// go build -ldflags "-X github.com/pysugar/inbox-tasks/internal/version.Version=v0.2.0"
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// String renders the build identity for startup logs.
func String() string {
	return Version + " (" + Commit + ", built " + BuildTime + ")"
}
