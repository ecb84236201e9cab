// Package catalog implements the Metadata Catalog (C7): a narrow
// repository interface over applications, bundles, deployments, and diff
// packages, backed by github.com/tidwall/buntdb the way the teacher's
// dbdriver package fronts the same embedded store.
package catalog

import (
	"time"

	"github.com/rodepush/bundlecore/cmn"
)

// Application is an administrative scope owning bundles and deployments.
type Application struct {
	ID        string
	Name      string
	APIKey    string
	CreatedAt time.Time
}

// Bundle is the catalog's record of an immutable, chunked payload; the
// reassembled bytes live in the object store, addressed by StorageKey.
type Bundle struct {
	ID                cmn.BundleId
	ApplicationID     string
	Version           cmn.SemanticVersion
	Platform          cmn.Platform
	CreatedAt         time.Time
	TotalSize         int64
	ChecksumType      string
	ChecksumHex       string
	Dependencies      []string
	StorageKey        string
	ChunkCount        int
}

// Deployment is a mutable association of a bundle with an environment
// label and a lifecycle status (§4.7).
type Deployment struct {
	ID                string
	BundleID          cmn.BundleId
	ApplicationID     string
	Environment       string
	Status            cmn.DeploymentStatus
	RolloutPercentage int
	CreatedAt         time.Time
	ActivatedAt       *time.Time
	RolledBackAt      *time.Time
}

// DiffPackage is the catalog's record of a computed diff package; the
// package bytes live in the object store under StorageKey.
type DiffPackage struct {
	ID               string
	ApplicationID    string
	SourceBundleID   cmn.BundleId
	TargetBundleID   cmn.BundleId
	StorageKey       string
	EncodedSize      int64
	CompressionRatio float64
	CreatedAt        time.Time
	ServedAt         time.Time
}

// Repository is the narrow interface the rest of the system depends on;
// Catalog (bunt.go) is its buntdb-backed implementation, but callers (diffsvc,
// httpapi) only ever see this interface, letting a test substitute an
// in-memory fake.
type Repository interface {
	CreateApplication(a Application) error
	GetApplication(id string) (Application, error)
	GetApplicationByAPIKey(key string) (Application, error)
	RotateAPIKey(id, newKey string) error
	DeleteApplication(id string) error

	CreateBundle(b Bundle) error
	GetBundle(id cmn.BundleId) (Bundle, error)
	FindBundleByTriple(appID string, version cmn.SemanticVersion, platform cmn.Platform) (Bundle, bool, error)
	ListBundles(appID string) ([]Bundle, error)
	DeleteBundle(id cmn.BundleId) error

	CreateDeployment(d Deployment) error
	GetDeployment(id string) (Deployment, error)
	UpdateDeployment(d Deployment) error
	ListDeployments(appID string) ([]Deployment, error)

	CreateDiffPackage(d DiffPackage) error
	GetDiffPackage(sourceID, targetID cmn.BundleId) (DiffPackage, bool, error)
	TouchDiffPackageServedAt(id string, t time.Time) error
	ListDiffPackagesLRU() ([]DiffPackage, error)
	DeleteDiffPackage(id string) error
	DeleteDiffPackagesReferencingBundle(bundleID cmn.BundleId) ([]DiffPackage, error)
}
