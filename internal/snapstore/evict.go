package snapstore

import "context"

// evictIfNeeded reclaims space under the LeafLRU policy (spec §4.4): while
// total tracked bytes exceed cfg.CapBytes, remove the least-recently-touched
// refcount-zero leaf (never a snapshot another snapshot's parent_hash
// points at) until back under the cap or no candidates remain.
func (s *Store) evictIfNeeded() {
	if s.cfg.CapBytes <= 0 {
		return
	}
	for s.idx.totalBytes() > s.cfg.CapBytes {
		candidates := s.idx.leafCandidates()
		if len(candidates) == 0 {
			s.log.Warn("over cap (%d bytes) but no evictable leaves remain", s.idx.totalBytes())
			return
		}
		victim := candidates[0]
		if err := s.Delete(context.Background(), victim.Hash); err != nil {
			s.log.Warn("evict %q failed: %v", victim.Hash, err)
			return
		}
		s.log.Info("evicted %q (%d bytes, leaf LRU)", victim.Hash, victim.SizeBytes)
	}
}
