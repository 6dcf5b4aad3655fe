// Package version holds build information injected with
// go build -ldflags "-X agentcoder/pkg/version.Version=v1.2.3".
package version

//nolint:gochecknoglobals // ldflags targets
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
