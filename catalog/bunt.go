package catalog

import (
	"fmt"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/rodepush/bundlecore/cmn"
)

// Catalog is the buntdb-backed Repository. Collections are namespaced by
// key prefix the way the teacher's dbdriver.BuntDriver namespaces by
// "<collection>##<key>"; secondary uniqueness constraints (API key, the
// bundle (app,version,platform) triple, the diff (source,target) pair)
// are maintained as explicit index keys written inside the same
// transaction as the primary row, so they never drift out of sync.
type Catalog struct {
	db *buntdb.DB
}

const (
	autoShrinkSize = 1 << 20 // 1MiB, mirrors the teacher's dbdriver default

	prefixApp         = "applications/"
	prefixBundle      = "bundles/"
	prefixDeployment  = "deployments/"
	prefixDiff        = "diff_packages/"
	prefixIdxAPIKey   = "idx/apikey/"
	prefixIdxTriple   = "idx/bundle_triple/"
	prefixIdxDiffPair = "idx/diffpair/"
)

// Open creates or opens a buntdb file at path with the sync/compaction
// policy the teacher's dbdriver documents.
func Open(path string) (*Catalog, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindCatalog, err, "catalog: open %s", path)
	}
	db.SetConfig(buntdb.Config{
		SyncPolicy:           buntdb.EverySecond,
		AutoShrinkMinSize:    autoShrinkSize,
		AutoShrinkPercentage: 50,
	})
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

func marshal(v interface{}) (string, error) {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return "", cmn.Wrap(cmn.KindInternal, err, "catalog: marshal")
	}
	return string(b), nil
}

func unmarshal(s string, v interface{}) error {
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal([]byte(s), v); err != nil {
		return cmn.Wrap(cmn.KindInternal, err, "catalog: unmarshal")
	}
	return nil
}

func notFound(err error, what string) error {
	if err == buntdb.ErrNotFound {
		return cmn.New(cmn.KindNotFound, "catalog: %s not found", what)
	}
	return cmn.Wrap(cmn.KindCatalog, err, "catalog: %s", what)
}

// --- Application -----------------------------------------------------

func validateApplication(a Application) error {
	if a.ID == "" || a.APIKey == "" {
		return cmn.New(cmn.KindValidation, "catalog: application id and api key are required")
	}
	return nil
}

func (c *Catalog) CreateApplication(a Application) error {
	if err := validateApplication(a); err != nil {
		return err
	}
	return c.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(prefixIdxAPIKey + a.APIKey); err == nil {
			return cmn.New(cmn.KindConflict, "catalog: api key already in use")
		}
		if _, err := tx.Get(prefixApp + a.ID); err == nil {
			return cmn.New(cmn.KindConflict, "catalog: application %s already exists", a.ID)
		}
		body, err := marshal(a)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(prefixApp+a.ID, body, nil); err != nil {
			return err
		}
		_, _, err = tx.Set(prefixIdxAPIKey+a.APIKey, a.ID, nil)
		return err
	})
}

func (c *Catalog) GetApplication(id string) (Application, error) {
	var a Application
	err := c.db.View(func(tx *buntdb.Tx) error {
		s, err := tx.Get(prefixApp + id)
		if err != nil {
			return err
		}
		return unmarshal(s, &a)
	})
	if err != nil {
		return Application{}, notFound(err, "application "+id)
	}
	return a, nil
}

func (c *Catalog) GetApplicationByAPIKey(key string) (Application, error) {
	var appID string
	err := c.db.View(func(tx *buntdb.Tx) error {
		s, err := tx.Get(prefixIdxAPIKey + key)
		if err != nil {
			return err
		}
		appID = s
		return nil
	})
	if err != nil {
		return Application{}, notFound(err, "application with that api key")
	}
	return c.GetApplication(appID)
}

func (c *Catalog) RotateAPIKey(id, newKey string) error {
	return c.db.Update(func(tx *buntdb.Tx) error {
		s, err := tx.Get(prefixApp + id)
		if err != nil {
			return notFound(err, "application "+id)
		}
		var a Application
		if err := unmarshal(s, &a); err != nil {
			return err
		}
		if _, err := tx.Get(prefixIdxAPIKey + newKey); err == nil {
			return cmn.New(cmn.KindConflict, "catalog: api key already in use")
		}
		old := a.APIKey
		a.APIKey = newKey
		body, err := marshal(a)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(prefixApp+id, body, nil); err != nil {
			return err
		}
		if _, err := tx.Delete(prefixIdxAPIKey + old); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		_, _, err = tx.Set(prefixIdxAPIKey+newKey, id, nil)
		return err
	})
}

// DeleteApplication cascades to every bundle owned by the application
// (which in turn cascades to diff packages referencing it) and to every
// deployment. Each bundle is removed by DeleteBundle in its own
// transactions, and the deployments and the application row are removed
// together in a final transaction; the cascade as a whole is not atomic,
// so a failure partway leaves the deletions already committed in place.
func (c *Catalog) DeleteApplication(id string) error {
	bundles, err := c.ListBundles(id)
	if err != nil {
		return err
	}
	for _, b := range bundles {
		if err := c.DeleteBundle(b.ID); err != nil {
			return err
		}
	}
	deployments, err := c.ListDeployments(id)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *buntdb.Tx) error {
		for _, d := range deployments {
			if _, err := tx.Delete(prefixDeployment + d.ID); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		s, err := tx.Get(prefixApp + id)
		if err != nil {
			return notFound(err, "application "+id)
		}
		var a Application
		if err := unmarshal(s, &a); err != nil {
			return err
		}
		if _, err := tx.Delete(prefixApp + id); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		_, err = tx.Delete(prefixIdxAPIKey + a.APIKey)
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
}

// --- Bundle ------------------------------------------------------------

func tripleKey(appID string, v cmn.SemanticVersion, p cmn.Platform) string {
	return fmt.Sprintf("%s%s/%s/%s", prefixIdxTriple, appID, v.String(), p)
}

func validateBundle(b Bundle) error {
	if b.ApplicationID == "" {
		return cmn.New(cmn.KindValidation, "catalog: bundle requires an application id")
	}
	if !b.Platform.Valid() {
		return cmn.New(cmn.KindValidation, "catalog: invalid platform %q", b.Platform)
	}
	return nil
}

// CreateBundle enforces the uniqueness of (application, version, platform):
// a parallel upload with the same triple MUST be rejected with a conflict
// rather than serialized, per spec.md §5's ordering rule.
func (c *Catalog) CreateBundle(b Bundle) error {
	if err := validateBundle(b); err != nil {
		return err
	}
	return c.db.Update(func(tx *buntdb.Tx) error {
		tk := tripleKey(b.ApplicationID, b.Version, b.Platform)
		if _, err := tx.Get(tk); err == nil {
			return cmn.New(cmn.KindConflict, "catalog: bundle %s %s %s already exists", b.ApplicationID, b.Version, b.Platform)
		}
		body, err := marshal(b)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(prefixBundle+b.ID.String(), body, nil); err != nil {
			return err
		}
		_, _, err = tx.Set(tk, b.ID.String(), nil)
		return err
	})
}

func (c *Catalog) GetBundle(id cmn.BundleId) (Bundle, error) {
	var b Bundle
	err := c.db.View(func(tx *buntdb.Tx) error {
		s, err := tx.Get(prefixBundle + id.String())
		if err != nil {
			return err
		}
		return unmarshal(s, &b)
	})
	if err != nil {
		return Bundle{}, notFound(err, "bundle "+id.String())
	}
	return b, nil
}

func (c *Catalog) FindBundleByTriple(appID string, version cmn.SemanticVersion, platform cmn.Platform) (Bundle, bool, error) {
	var idStr string
	err := c.db.View(func(tx *buntdb.Tx) error {
		s, err := tx.Get(tripleKey(appID, version, platform))
		if err != nil {
			return err
		}
		idStr = s
		return nil
	})
	if err == buntdb.ErrNotFound {
		return Bundle{}, false, nil
	}
	if err != nil {
		return Bundle{}, false, cmn.Wrap(cmn.KindCatalog, err, "catalog: find bundle by triple")
	}
	id, err := cmn.ParseBundleId(idStr)
	if err != nil {
		return Bundle{}, false, cmn.Wrap(cmn.KindInternal, err, "catalog: corrupt triple index")
	}
	b, err := c.GetBundle(id)
	if err != nil {
		return Bundle{}, false, err
	}
	return b, true, nil
}

func (c *Catalog) ListBundles(appID string) ([]Bundle, error) {
	var out []Bundle
	err := c.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefixBundle+"*", func(key, val string) bool {
			var b Bundle
			if err := unmarshal(val, &b); err != nil {
				return true
			}
			if b.ApplicationID == appID {
				out = append(out, b)
			}
			return true
		})
	})
	if err != nil {
		return nil, cmn.Wrap(cmn.KindCatalog, err, "catalog: list bundles")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// DeleteBundle cascades to every diff package referencing it on either
// side, per spec.md §4.7.
func (c *Catalog) DeleteBundle(id cmn.BundleId) error {
	if _, err := c.DeleteDiffPackagesReferencingBundle(id); err != nil {
		return err
	}
	return c.db.Update(func(tx *buntdb.Tx) error {
		s, err := tx.Get(prefixBundle + id.String())
		if err != nil {
			return notFound(err, "bundle "+id.String())
		}
		var b Bundle
		if err := unmarshal(s, &b); err != nil {
			return err
		}
		if _, err := tx.Delete(prefixBundle + id.String()); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		_, err = tx.Delete(tripleKey(b.ApplicationID, b.Version, b.Platform))
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
}

// --- Deployment ----------------------------------------------------

func validateDeployment(d Deployment) error {
	if d.RolloutPercentage < 0 || d.RolloutPercentage > 100 {
		return cmn.New(cmn.KindValidation, "catalog: rollout_percentage %d out of [0,100]", d.RolloutPercentage)
	}
	switch d.Status {
	case cmn.DeploymentPending, cmn.DeploymentActive, cmn.DeploymentPaused, cmn.DeploymentRolledBack, cmn.DeploymentFailed:
	default:
		return cmn.New(cmn.KindValidation, "catalog: invalid deployment status %q", d.Status)
	}
	return nil
}

func (c *Catalog) CreateDeployment(d Deployment) error {
	if err := validateDeployment(d); err != nil {
		return err
	}
	return c.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(prefixDeployment + d.ID); err == nil {
			return cmn.New(cmn.KindConflict, "catalog: deployment %s already exists", d.ID)
		}
		body, err := marshal(d)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(prefixDeployment+d.ID, body, nil)
		return err
	})
}

func (c *Catalog) GetDeployment(id string) (Deployment, error) {
	var d Deployment
	err := c.db.View(func(tx *buntdb.Tx) error {
		s, err := tx.Get(prefixDeployment + id)
		if err != nil {
			return err
		}
		return unmarshal(s, &d)
	})
	if err != nil {
		return Deployment{}, notFound(err, "deployment "+id)
	}
	return d, nil
}

// UpdateDeployment persists d after validating both field constraints and
// the state-machine transition from the currently stored status.
func (c *Catalog) UpdateDeployment(d Deployment) error {
	if err := validateDeployment(d); err != nil {
		return err
	}
	return c.db.Update(func(tx *buntdb.Tx) error {
		s, err := tx.Get(prefixDeployment + d.ID)
		if err != nil {
			return notFound(err, "deployment "+d.ID)
		}
		var existing Deployment
		if err := unmarshal(s, &existing); err != nil {
			return err
		}
		if existing.Status != d.Status && !existing.Status.CanTransition(d.Status) {
			return cmn.New(cmn.KindConflict, "catalog: deployment %s cannot transition %s -> %s", d.ID, existing.Status, d.Status)
		}
		body, err := marshal(d)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(prefixDeployment+d.ID, body, nil)
		return err
	})
}

func (c *Catalog) ListDeployments(appID string) ([]Deployment, error) {
	var out []Deployment
	err := c.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefixDeployment+"*", func(key, val string) bool {
			var d Deployment
			if err := unmarshal(val, &d); err != nil {
				return true
			}
			if d.ApplicationID == appID {
				out = append(out, d)
			}
			return true
		})
	})
	if err != nil {
		return nil, cmn.Wrap(cmn.KindCatalog, err, "catalog: list deployments")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- DiffPackage -----------------------------------------------------

func diffPairKey(sourceID, targetID cmn.BundleId) string {
	return prefixIdxDiffPair + sourceID.String() + "/" + targetID.String()
}

func validateDiffPackage(d DiffPackage) error {
	if d.CompressionRatio < 0 || d.CompressionRatio > 1 {
		return cmn.New(cmn.KindValidation, "catalog: compression_ratio %f out of [0,1]", d.CompressionRatio)
	}
	return nil
}

func (c *Catalog) CreateDiffPackage(d DiffPackage) error {
	if err := validateDiffPackage(d); err != nil {
		return err
	}
	return c.db.Update(func(tx *buntdb.Tx) error {
		pk := diffPairKey(d.SourceBundleID, d.TargetBundleID)
		if _, err := tx.Get(pk); err == nil {
			return cmn.New(cmn.KindConflict, "catalog: diff package for (%s,%s) already exists", d.SourceBundleID, d.TargetBundleID)
		}
		body, err := marshal(d)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(prefixDiff+d.ID, body, nil); err != nil {
			return err
		}
		_, _, err = tx.Set(pk, d.ID, nil)
		return err
	})
}

func (c *Catalog) GetDiffPackage(sourceID, targetID cmn.BundleId) (DiffPackage, bool, error) {
	var idStr string
	err := c.db.View(func(tx *buntdb.Tx) error {
		s, err := tx.Get(diffPairKey(sourceID, targetID))
		if err != nil {
			return err
		}
		idStr = s
		return nil
	})
	if err == buntdb.ErrNotFound {
		return DiffPackage{}, false, nil
	}
	if err != nil {
		return DiffPackage{}, false, cmn.Wrap(cmn.KindCatalog, err, "catalog: get diff package")
	}
	var d DiffPackage
	err = c.db.View(func(tx *buntdb.Tx) error {
		s, err := tx.Get(prefixDiff + idStr)
		if err != nil {
			return err
		}
		return unmarshal(s, &d)
	})
	if err != nil {
		return DiffPackage{}, false, notFound(err, "diff package "+idStr)
	}
	return d, true, nil
}

func (c *Catalog) TouchDiffPackageServedAt(id string, t time.Time) error {
	return c.db.Update(func(tx *buntdb.Tx) error {
		s, err := tx.Get(prefixDiff + id)
		if err != nil {
			return notFound(err, "diff package "+id)
		}
		var d DiffPackage
		if err := unmarshal(s, &d); err != nil {
			return err
		}
		d.ServedAt = t
		body, err := marshal(d)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(prefixDiff+id, body, nil)
		return err
	})
}

// ListDiffPackagesLRU returns every diff package ordered oldest-served
// first, the order the eviction sweeper consumes.
func (c *Catalog) ListDiffPackagesLRU() ([]DiffPackage, error) {
	var out []DiffPackage
	err := c.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefixDiff+"*", func(key, val string) bool {
			var d DiffPackage
			if err := unmarshal(val, &d); err != nil {
				return true
			}
			out = append(out, d)
			return true
		})
	})
	if err != nil {
		return nil, cmn.Wrap(cmn.KindCatalog, err, "catalog: list diff packages")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServedAt.Before(out[j].ServedAt) })
	return out, nil
}

func (c *Catalog) DeleteDiffPackage(id string) error {
	return c.db.Update(func(tx *buntdb.Tx) error {
		s, err := tx.Get(prefixDiff + id)
		if err != nil {
			return notFound(err, "diff package "+id)
		}
		var d DiffPackage
		if err := unmarshal(s, &d); err != nil {
			return err
		}
		if _, err := tx.Delete(prefixDiff + id); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		_, err = tx.Delete(diffPairKey(d.SourceBundleID, d.TargetBundleID))
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
}

// DeleteDiffPackagesReferencingBundle removes every diff package whose
// source or target is bundleID, transactionally, satisfying the
// invalidation requirement of spec.md §4.8.
func (c *Catalog) DeleteDiffPackagesReferencingBundle(bundleID cmn.BundleId) ([]DiffPackage, error) {
	var toDelete []DiffPackage
	err := c.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefixDiff+"*", func(key, val string) bool {
			var d DiffPackage
			if err := unmarshal(val, &d); err != nil {
				return true
			}
			if d.SourceBundleID == bundleID || d.TargetBundleID == bundleID {
				toDelete = append(toDelete, d)
			}
			return true
		})
	})
	if err != nil {
		return nil, cmn.Wrap(cmn.KindCatalog, err, "catalog: scan diff packages for cascade")
	}
	if len(toDelete) == 0 {
		return nil, nil
	}
	err = c.db.Update(func(tx *buntdb.Tx) error {
		for _, d := range toDelete {
			if _, err := tx.Delete(prefixDiff + d.ID); err != nil && err != buntdb.ErrNotFound {
				return err
			}
			if _, err := tx.Delete(diffPairKey(d.SourceBundleID, d.TargetBundleID)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, cmn.Wrap(cmn.KindCatalog, err, "catalog: cascade delete diff packages")
	}
	return toDelete, nil
}
