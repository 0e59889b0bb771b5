// Package snapstore is the content-addressed object store for snapshots and
// memory pages (spec §4.4). It writes atomically via write-to-temp +
// rename, deduplicates identical content by hash, and tracks refcounts so a
// snapshot can only be deleted once nothing references it.
//
// S3 (when configured) is the durability tier; the local directory is
// always authoritative for anything currently cached and is checked first
// on every read, the same cache-first discipline the checkpoint archive
// path this package is grounded on already used.
package snapstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sandboxengine/engine/internal/crypto"
	"github.com/sandboxengine/engine/internal/enginelog"
	"github.com/sandboxengine/engine/pkg/enginetypes"
)

// EvictionPolicy selects how the store reclaims local disk space.
type EvictionPolicy int

const (
	NoEviction EvictionPolicy = iota
	LeafLRU
)

// Config configures a Store.
type Config struct {
	LocalDir       string
	S3Client       *s3.Client // nil disables remote durability; local-only
	Bucket         string
	Eviction       EvictionPolicy
	CapBytes       int64 // eviction trigger threshold, only used with LeafLRU

	// PGDSN, if set, mirrors the index into Postgres via pgxpool so an
	// operator can query refcounts/parent chains with SQL instead of
	// reading the local JSON file. Optional; the JSON file stays
	// authoritative regardless.
	PGDSN string
}

// Store is the engine's snapshot and page object store.
type Store struct {
	cfg   Config
	idx   *index
	pg    *pgIndex
	log   *enginelog.Logger
	locks sync.Map // hash -> *sync.Mutex, per-hash write lock (spec §5)
}

// Open loads (or creates) the store index under cfg.LocalDir.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.LocalDir, 0o755); err != nil {
		return nil, fmt.Errorf("snapstore: create local dir: %w", err)
	}
	idx, err := loadIndex(cfg.LocalDir)
	if err != nil {
		return nil, err
	}
	s := &Store{cfg: cfg, idx: idx, log: enginelog.New("snapstore")}

	if cfg.PGDSN != "" {
		pg, err := openPGIndex(context.Background(), cfg.PGDSN)
		if err != nil {
			s.log.Warn("open postgres index mirror: %v", err)
		} else {
			s.pg = pg
			s.syncPG()
		}
	}
	return s, nil
}

// syncPG mirrors the current index state into Postgres, if configured.
// Best-effort: the local JSON index is always authoritative, so mirror
// failures are logged and otherwise ignored.
func (s *Store) syncPG() {
	if s.pg == nil {
		return
	}
	if err := s.pg.sync(s.idx.snapshotEntries()); err != nil {
		s.log.Warn("postgres index sync failed: %v", err)
	}
}

// manifest is the canonical, serialized form of a snapshot. encoding/json
// sorts map keys during Marshal, so Metadata's iteration order never
// affects the resulting bytes; combined with fixed field order this makes
// Put's hash a deterministic function of its inputs (spec §4.4, §8.1).
type manifest struct {
	ParentHash string            `json:"parentHash,omitempty"`
	ModeTag    enginetypes.Mode  `json:"modeTag"`
	PageHashes []string          `json:"pageHashes"`
	DeviceState []byte           `json:"deviceState,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// PutInput is the caller-assembled content of a snapshot about to be
// written. PageHashes must already have been produced by PutPage calls.
type PutInput struct {
	ParentHash  string
	ModeTag     enginetypes.Mode
	PageHashes  []string
	DeviceState []byte
	Metadata    map[string]string
}

func canonicalize(m manifest) ([]byte, error) {
	sort.Strings(m.PageHashes)
	return json.Marshal(m)
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

func shardedPath(root, hash string, page bool) string {
	kind := "snapshots"
	if page {
		kind = "pages"
	}
	return filepath.Join(root, kind, hash[:2], hash)
}

func (s *Store) lockFor(hash string) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(hash, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Put serializes in deterministically, computes its content hash, and
// writes it if not already present (dedup). If the manifest's hash already
// exists, Put increments its refcount and returns the existing record
// instead of writing a duplicate blob.
func (s *Store) Put(ctx context.Context, in PutInput) (*enginetypes.Snapshot, error) {
	if in.ParentHash != "" {
		if _, ok := s.idx.get(in.ParentHash); !ok {
			return nil, fmt.Errorf("snapstore: parent %q does not exist", in.ParentHash)
		}
	}
	data, err := canonicalize(manifest{
		ParentHash:  in.ParentHash,
		ModeTag:     in.ModeTag,
		PageHashes:  in.PageHashes,
		DeviceState: in.DeviceState,
		Metadata:    in.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("snapstore: canonicalize manifest: %w", err)
	}
	hash := contentHash(data)

	lock := s.lockFor(hash)
	lock.Lock()
	defer lock.Unlock()

	created := s.idx.upsert(hash, in.ParentHash, int64(len(data)), false)
	if created {
		if err := s.writeLocal(hash, data, false); err != nil {
			s.idx.remove(hash)
			return nil, err
		}
		if s.cfg.S3Client != nil {
			go s.uploadAsync(hash, data, false)
		}
		if s.cfg.Eviction == LeafLRU {
			s.evictIfNeeded()
		}
	}
	if err := s.idx.save(); err != nil {
		s.log.Warn("index save failed: %v", err)
	}
	s.syncPG()

	return &enginetypes.Snapshot{
		Hash:       hash,
		ParentHash: in.ParentHash,
		ModeTag:    in.ModeTag,
		CreatedAt:  time.Now(),
		SizeBytes:  int64(len(data)),
		PageCount:  len(in.PageHashes),
		Checksum:   hash,
		Metadata:   in.Metadata,
	}, nil
}

// PutPage stores a raw memory page blob, deduplicated by content hash the
// same way snapshot manifests are (spec §4.4 "Deduplication").
func (s *Store) PutPage(ctx context.Context, data []byte) (string, error) {
	hash := contentHash(data)
	lock := s.lockFor(hash)
	lock.Lock()
	defer lock.Unlock()

	created := s.idx.upsert(hash, "", int64(len(data)), true)
	if created {
		if err := s.writeLocal(hash, data, true); err != nil {
			s.idx.remove(hash)
			return "", err
		}
		if s.cfg.S3Client != nil {
			go s.uploadAsync(hash, data, true)
		}
	}
	err := s.idx.save()
	s.syncPG()
	return hash, err
}

// Get returns the snapshot manifest for hash, local-cache-first, falling
// back to S3 on a cache miss and re-populating the local cache.
func (s *Store) Get(ctx context.Context, hash string) (*enginetypes.Snapshot, error) {
	entry, ok := s.idx.get(hash)
	if !ok {
		return nil, fmt.Errorf("snapstore: %q not found", hash)
	}
	data, err := s.read(ctx, hash, false)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("snapstore: corrupt manifest %q: %w", hash, err)
	}
	s.idx.touch(hash)
	return &enginetypes.Snapshot{
		Hash:       hash,
		ParentHash: m.ParentHash,
		ModeTag:    m.ModeTag,
		CreatedAt:  entry.LastTouch,
		SizeBytes:  entry.SizeBytes,
		PageCount:  len(m.PageHashes),
		Checksum:   hash,
		Metadata:   m.Metadata,
	}, nil
}

// PageHashes returns the ordered set of page hashes a snapshot's manifest
// references, used by the branch manager to compute merges over page sets
// without decoding full manifests itself.
func (s *Store) PageHashes(ctx context.Context, hash string) ([]string, error) {
	data, err := s.read(ctx, hash, false)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("snapstore: corrupt manifest %q: %w", hash, err)
	}
	return m.PageHashes, nil
}

// GetPage returns a page blob by hash.
func (s *Store) GetPage(ctx context.Context, hash string) ([]byte, error) {
	if _, ok := s.idx.get(hash); !ok {
		return nil, fmt.Errorf("snapstore: page %q not found", hash)
	}
	return s.read(ctx, hash, true)
}

func (s *Store) writeLocal(hash string, data []byte, page bool) error {
	path := shardedPath(s.cfg.LocalDir, hash, page)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("snapstore: mkdir shard: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".obj-tmp-*")
	if err != nil {
		return fmt.Errorf("snapstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapstore: write temp: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapstore: rename object: %w", err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, hash string, page bool) ([]byte, error) {
	path := shardedPath(s.cfg.LocalDir, hash, page)
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}
	if s.cfg.S3Client == nil {
		return nil, fmt.Errorf("snapstore: %q missing from local cache and no remote configured", hash)
	}
	key := remoteKey(hash, page)
	resp, err := s.cfg.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("snapstore: download %q: %w", key, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("snapstore: read %q body: %w", key, err)
	}
	plain, err := crypto.Decrypt(buf.String())
	if err != nil {
		return nil, fmt.Errorf("snapstore: decrypt %q: %w", key, err)
	}
	data := []byte(plain)
	if err := s.writeLocal(hash, data, page); err != nil {
		s.log.Warn("repopulate local cache for %q: %v", hash, err)
	}
	return data, nil
}

func remoteKey(hash string, page bool) string {
	kind := "snapshots"
	if page {
		kind = "pages"
	}
	return fmt.Sprintf("%s/%s/%s", kind, hash[:2], hash)
}

// uploadAsync pushes data to the S3 durability tier, encrypted at rest via
// internal/crypto (AES-256-GCM when OPENSANDBOX_SECRET_ENCRYPTION_KEY is
// configured, otherwise the package's own base64 dev-mode fallback). The
// local cache, checked first on every read, always holds the plaintext copy;
// only the remote tier pays the encryption cost, since that's the copy that
// actually leaves this host.
func (s *Store) uploadAsync(hash string, data []byte, page bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	key := remoteKey(hash, page)

	enc, err := crypto.Encrypt(string(data))
	if err != nil {
		s.log.Warn("encrypt %q for remote upload failed: %v", key, err)
		return
	}

	_, err = s.cfg.S3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader([]byte(enc)),
	})
	if err != nil {
		s.log.Warn("upload %q failed: %v", key, err)
		return
	}
	s.log.Debug("uploaded %q (%d bytes)", key, len(data))
}

// Retain increments hash's refcount, used when a branch or child snapshot
// starts referencing it.
func (s *Store) Retain(hash string) error { return s.idx.retain(hash) }

// Release decrements hash's refcount. It does not delete the object; call
// Delete explicitly once refcount reaches zero and eviction or an operator
// wants the space back.
func (s *Store) Release(hash string) error { return s.idx.release(hash) }

// Delete removes hash's local and remote copies. It fails if refcount is
// nonzero or if another snapshot's parent_hash still points at it (spec
// §8.2 "Parent chain integrity").
func (s *Store) Delete(ctx context.Context, hash string) error {
	entry, ok := s.idx.get(hash)
	if !ok {
		return fmt.Errorf("snapstore: %q not found", hash)
	}
	if entry.RefCount > 0 {
		return fmt.Errorf("snapstore: %q has nonzero refcount %d", hash, entry.RefCount)
	}
	if s.idx.isParent(hash) {
		return fmt.Errorf("snapstore: refcount violation: %q is still a parent", hash)
	}
	path := shardedPath(s.cfg.LocalDir, hash, entry.IsPage)
	os.Remove(path)
	if s.cfg.S3Client != nil {
		_, err := s.cfg.S3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(remoteKey(hash, entry.IsPage)),
		})
		if err != nil {
			s.log.Warn("remote delete %q failed: %v", hash, err)
		}
	}
	s.idx.remove(hash)
	err := s.idx.save()
	if s.pg != nil {
		if pgErr := s.pg.remove(hash); pgErr != nil {
			s.log.Warn("postgres index remove %q failed: %v", hash, pgErr)
		}
	}
	return err
}

// Filter narrows List to a subset of tracked snapshots.
type Filter struct {
	ModeTag    enginetypes.Mode // zero value matches any mode
	ParentHash string           // non-empty restricts to direct children of this hash
}

// List returns every tracked snapshot (excluding pages) matching filter.
func (s *Store) List(ctx context.Context, filter Filter) ([]enginetypes.Snapshot, error) {
	var out []enginetypes.Snapshot
	s.idx.mu.Lock()
	hashes := make([]string, 0, len(s.idx.entries))
	for h, e := range s.idx.entries {
		if e.IsPage {
			continue
		}
		if filter.ParentHash != "" && e.ParentHash != filter.ParentHash {
			continue
		}
		hashes = append(hashes, h)
	}
	s.idx.mu.Unlock()

	for _, h := range hashes {
		snap, err := s.Get(ctx, h)
		if err != nil {
			continue
		}
		if filter.ModeTag != "" && snap.ModeTag != filter.ModeTag {
			continue
		}
		out = append(out, *snap)
	}
	return out, nil
}

// Close releases the Postgres index mirror's connection pool, if one was
// configured. Safe to call even when PGDSN was never set.
func (s *Store) Close() {
	if s.pg != nil {
		s.pg.close()
	}
}
