package store

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/rodepush/bundlecore/cksum"
)

// DedupFilter is a probabilistic existence pre-check in front of a Store: a
// the bundle upload handler (httpapi) calls Might before issuing a Stat, to
// skip the round trip to the backend for the overwhelming majority of chunks
// that are new. False positives only cost an extra Stat. False negatives
// occur for entries lost when Add rebuilds a saturated filter; the caller
// then re-Puts an already stored, content-addressed chunk.
type DedupFilter struct {
	mu sync.Mutex
	cf *cuckoo.Filter
}

// NewDedupFilter sizes the underlying cuckoo filter for an expected chunk
// population; it grows by replacement (see Add) if exceeded.
func NewDedupFilter(expectedChunks uint) *DedupFilter {
	return &DedupFilter{cf: cuckoo.NewFilter(expectedChunks)}
}

// Might reports whether hash may already be present. A true result must
// still be confirmed with Store.Stat; a false result is also wrong for
// hashes added before Add last rebuilt the filter.
func (d *DedupFilter) Might(hash cksum.Digest) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cf.Lookup(hash.Bytes)
}

// Add records hash as present. Call this after a confirmed Put or Stat hit,
// not speculatively, so the filter only ever under- not over-reports.
func (d *DedupFilter) Add(hash cksum.Digest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.cf.Insert(hash.Bytes) {
		// Filter is saturated; rebuild at double capacity and retry once.
		// The new filter starts empty, so every earlier entry is lost and
		// Might reports it absent; that degrades the pre-check's hit rate
		// and costs a redundant Put, never a lost write.
		d.cf = cuckoo.NewFilter(d.cf.Count() * 2)
		d.cf.Insert(hash.Bytes)
	}
}

// Remove forgets hash, used when a chunk is garbage-collected.
func (d *DedupFilter) Remove(hash cksum.Digest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cf.Delete(hash.Bytes)
}
