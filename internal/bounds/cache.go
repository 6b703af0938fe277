package bounds

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// SnapshotCache is a bounded cache of recently-read ParameterBounds
// snapshots, handed to concurrent BoundsAccess callers so repeated status
// polling doesn't contend on the Manager's mutex.
type SnapshotCache struct {
	cache *lru.Cache[string, ParameterBounds]
}

// NewSnapshotCache creates a cache holding up to size entries.
func NewSnapshotCache(size int) (*SnapshotCache, error) {
	c, err := lru.New[string, ParameterBounds](size)
	if err != nil {
		return nil, err
	}
	return &SnapshotCache{cache: c}, nil
}

// Refresh repopulates the cache from a Manager snapshot list, called after
// every bounds mutation (commit/rollback/triage patch).
func (s *SnapshotCache) Refresh(snapshots []ParameterBounds) {
	s.cache.Purge()
	for _, snap := range snapshots {
		s.cache.Add(snap.Name, snap)
	}
}

// Get returns a cached snapshot, if present.
func (s *SnapshotCache) Get(path string) (ParameterBounds, bool) {
	return s.cache.Get(path)
}
