package common

import "fmt"

// Build identity, injected with -ldflags at build time:
//
//	go build -ldflags "-X github.com/ternarybob/perago/internal/common.Version=1.2.0 \
//	  -X github.com/ternarybob/perago/internal/common.Build=2026-08-25T10:00:00Z \
//	  -X github.com/ternarybob/perago/internal/common.GitCommit=abc1234"
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the version string
func GetVersion() string {
	return Version
}

// GetBuild returns the build timestamp
func GetBuild() string {
	return Build
}

// GetFullVersion returns the version with build and commit detail
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}
