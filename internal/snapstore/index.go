package snapstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// indexEntry is the on-disk bookkeeping record for one content-addressed
// object (snapshot or page): its refcount, parent linkage, and last-touch
// time for LeafLRU eviction ordering.
type indexEntry struct {
	Hash       string    `json:"hash"`
	ParentHash string    `json:"parentHash,omitempty"`
	SizeBytes  int64     `json:"sizeBytes"`
	RefCount   int       `json:"refCount"`
	LastTouch  time.Time `json:"lastTouch"`
	IsPage     bool      `json:"isPage"`
}

// index is the full store index: hash -> entry. There is no reverse
// parent -> children map; "never evict a parent" is enforced by scanning the
// entries for a child that names the hash as its parent.
type index struct {
	mu      sync.Mutex
	entries map[string]*indexEntry
	path    string
}

func loadIndex(dir string) (*index, error) {
	idx := &index{entries: make(map[string]*indexEntry), path: filepath.Join(dir, "index")}
	data, err := os.ReadFile(idx.path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapstore: read index: %w", err)
	}
	var entries []*indexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("snapstore: decode index: %w", err)
	}
	for _, e := range entries {
		idx.entries[e.Hash] = e
	}
	return idx, nil
}

// save persists the index atomically via write-to-temp + rename, matching
// the store's own atomic-write convention for content blobs.
func (idx *index) save() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.saveLocked()
}

func (idx *index) saveLocked() error {
	entries := make([]*indexEntry, 0, len(idx.entries))
	for _, e := range idx.entries {
		entries = append(entries, e)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("snapstore: encode index: %w", err)
	}
	dir := filepath.Dir(idx.path)
	tmp, err := os.CreateTemp(dir, ".index-tmp-*")
	if err != nil {
		return fmt.Errorf("snapstore: create index temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapstore: write index temp: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, idx.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapstore: rename index: %w", err)
	}
	return nil
}

// upsert records hash, incrementing its refcount if it already exists
// (the dedup path) or inserting a fresh entry with refcount 1.
func (idx *index) upsert(hash, parentHash string, size int64, isPage bool) (created bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if e, ok := idx.entries[hash]; ok {
		e.RefCount++
		e.LastTouch = time.Now()
		return false
	}
	idx.entries[hash] = &indexEntry{
		Hash:       hash,
		ParentHash: parentHash,
		SizeBytes:  size,
		RefCount:   1,
		LastTouch:  time.Now(),
		IsPage:     isPage,
	}
	return true
}

func (idx *index) touch(hash string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if e, ok := idx.entries[hash]; ok {
		e.LastTouch = time.Now()
	}
}

func (idx *index) retain(hash string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[hash]
	if !ok {
		return fmt.Errorf("snapstore: retain: %q not found", hash)
	}
	e.RefCount++
	return nil
}

func (idx *index) release(hash string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[hash]
	if !ok {
		return fmt.Errorf("snapstore: release: %q not found", hash)
	}
	if e.RefCount > 0 {
		e.RefCount--
	}
	return nil
}

// snapshotEntries returns a value copy of every entry, safe to hand to a
// caller (such as the Postgres mirror) outside idx's own lock.
func (idx *index) snapshotEntries() []indexEntry {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]indexEntry, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, *e)
	}
	return out
}

func (idx *index) get(hash string) (*indexEntry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[hash]
	return e, ok
}

// isParent reports whether hash is referenced as another entry's parent.
// Eviction must never remove a snapshot that some other snapshot chains to.
func (idx *index) isParent(hash string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, e := range idx.entries {
		if e.ParentHash == hash {
			return true
		}
	}
	return false
}

func (idx *index) remove(hash string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, hash)
}

// totalBytes sums the size of every tracked object, used against the
// LeafLRU eviction cap.
func (idx *index) totalBytes() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var total int64
	for _, e := range idx.entries {
		total += e.SizeBytes
	}
	return total
}

// leafCandidates returns refcount-zero, non-parent entries sorted oldest
// LastTouch first: the order LeafLRU evicts in.
func (idx *index) leafCandidates() []*indexEntry {
	idx.mu.Lock()
	parentHashes := make(map[string]bool)
	for _, e := range idx.entries {
		if e.ParentHash != "" {
			parentHashes[e.ParentHash] = true
		}
	}
	var out []*indexEntry
	for _, e := range idx.entries {
		if e.RefCount == 0 && !parentHashes[e.Hash] {
			out = append(out, e)
		}
	}
	idx.mu.Unlock()

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastTouch.Before(out[j-1].LastTouch); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
