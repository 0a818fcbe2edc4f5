// Package domain holds the value types shared by every stage of the sizing
// loop: change-set features, resource estimates, tiers and training records.
package domain

import "strings"

// BuildType is a free-form build flavour label
type BuildType string

const (
	BuildDebug       BuildType = "debug"
	BuildRelease     BuildType = "release"
	BuildProdRelease BuildType = "prodRelease"
)

// DefaultBuildType is used when no build type is configured
const DefaultBuildType = BuildDebug

// IsRelease reports whether the build type is one of the release flavours
func (b BuildType) IsRelease() bool {
	return b == BuildRelease || b == BuildProdRelease
}

// BuildStatus is the terminal status of a measured build
type BuildStatus string

const (
	StatusSuccess BuildStatus = "SUCCESS"
	StatusFailure BuildStatus = "FAILURE"
	StatusUnknown BuildStatus = "UNKNOWN"
)

// ParseBuildStatus maps a CI result string onto a BuildStatus.
// Anything that is not recognisably a success or failure is UNKNOWN.
func ParseBuildStatus(s string) BuildStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESS", "SUCCEEDED", "PASSED", "OK":
		return StatusSuccess
	case "FAILURE", "FAILED", "ERROR", "ABORTED", "UNSTABLE":
		return StatusFailure
	default:
		return StatusUnknown
	}
}

// UnknownBranch is reported when the VCS cannot name the current branch
const UnknownBranch = "unknown"

// mainBranches are treated as integration branches by the model
var mainBranches = map[string]bool{
	"main":    true,
	"master":  true,
	"develop": true,
}

// IsMainBranch reports whether branch is an integration branch
func IsMainBranch(branch string) bool {
	return mainBranches[branch]
}
