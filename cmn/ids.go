// Package cmn provides common types shared across the bundle differential
// distribution core: identifiers, semantic versions, and platform enums.
package cmn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// BundleId is an opaque 128-bit identifier assigned at upload acceptance.
type BundleId uuid.UUID

// NewBundleId generates a fresh, universally unique BundleId.
func NewBundleId() BundleId { return BundleId(uuid.New()) }

func (id BundleId) String() string { return uuid.UUID(id).String() }

// ParseBundleId parses the canonical hyphenated form.
func ParseBundleId(s string) (BundleId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return BundleId{}, fmt.Errorf("parse bundle id %q: %w", s, err)
	}
	return BundleId(u), nil
}

func (id BundleId) IsZero() bool { return id == BundleId{} }

// Platform constrains the set of targets a bundle or deployment applies to.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformBoth    Platform = "both"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformIOS, PlatformAndroid, PlatformBoth:
		return true
	default:
		return false
	}
}

// SemanticVersion is a (major, minor, patch) triple with an optional
// pre-release tag. The tag is preserved but never participates in ordering.
type SemanticVersion struct {
	Major, Minor, Patch int
	PreRelease          string
}

func (v SemanticVersion) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.PreRelease != "" {
		s += "-" + v.PreRelease
	}
	return s
}

// Compare orders two versions by (major, minor, patch) only; pre-release
// tags never affect ordering per spec.
func (v SemanticVersion) Compare(o SemanticVersion) int {
	switch {
	case v.Major != o.Major:
		return cmp(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmp(v.Minor, o.Minor)
	default:
		return cmp(v.Patch, o.Patch)
	}
}

func cmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ParseSemanticVersion parses "major.minor.patch[-prerelease]".
func ParseSemanticVersion(s string) (SemanticVersion, error) {
	var pre string
	if i := strings.IndexByte(s, '-'); i >= 0 {
		pre = s[i+1:]
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return SemanticVersion{}, fmt.Errorf("invalid semantic version %q", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return SemanticVersion{}, fmt.Errorf("invalid semantic version %q: %w", s, err)
		}
		nums[i] = n
	}
	return SemanticVersion{Major: nums[0], Minor: nums[1], Patch: nums[2], PreRelease: pre}, nil
}

// DeploymentStatus is the state-machine value of a Deployment (§4.7).
type DeploymentStatus string

const (
	DeploymentPending     DeploymentStatus = "pending"
	DeploymentActive      DeploymentStatus = "active"
	DeploymentPaused      DeploymentStatus = "paused"
	DeploymentRolledBack  DeploymentStatus = "rolled_back"
	DeploymentFailed      DeploymentStatus = "failed"
)

func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentRolledBack || s == DeploymentFailed
}

// CanTransition reports whether the state machine in spec.md §4.7 permits
// moving from s to next.
func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	switch s {
	case DeploymentPending:
		return next == DeploymentActive || next == DeploymentFailed
	case DeploymentActive:
		return next == DeploymentPaused || next == DeploymentRolledBack || next == DeploymentFailed
	case DeploymentPaused:
		return next == DeploymentActive || next == DeploymentRolledBack
	default:
		return false
	}
}
