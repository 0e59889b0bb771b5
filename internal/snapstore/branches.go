package snapstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sandboxengine/engine/pkg/enginetypes"
)

// branchRecord is the on-disk form of a Branch, stored one file per branch
// under branches/<branch-id> per spec §6's storage layout.
type branchRecord struct {
	ID                 string `json:"id"`
	RootSnapshot       string `json:"rootSnapshot"`
	DivergenceSnapshot string `json:"divergenceSnapshot"`
	ParentBranch       string `json:"parentBranch,omitempty"`
	CreatedAtUnixNano  int64  `json:"createdAtUnixNano"`
}

func (s *Store) branchesDir() string {
	return filepath.Join(s.cfg.LocalDir, "branches")
}

func (s *Store) branchPath(id string) string {
	return filepath.Join(s.branchesDir(), id)
}

var branchWriteMu sync.Mutex

// PutBranch persists br under branches/<id>, atomically (write-to-temp +
// rename), so create_branch survives process restarts even though the
// sandbox it forked is transient.
func (s *Store) PutBranch(br *enginetypes.Branch) error {
	if err := os.MkdirAll(s.branchesDir(), 0o755); err != nil {
		return fmt.Errorf("snapstore: create branches dir: %w", err)
	}
	rec := branchRecord{
		ID:                 br.ID,
		RootSnapshot:       br.RootSnapshot,
		DivergenceSnapshot: br.DivergenceSnapshot,
		ParentBranch:       br.ParentBranch,
		CreatedAtUnixNano:  br.CreatedAt.UnixNano(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("snapstore: marshal branch record: %w", err)
	}

	branchWriteMu.Lock()
	defer branchWriteMu.Unlock()

	path := s.branchPath(br.ID)
	tmp, err := os.CreateTemp(s.branchesDir(), ".branch-tmp-*")
	if err != nil {
		return fmt.Errorf("snapstore: create branch temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapstore: write branch temp: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapstore: rename branch record: %w", err)
	}
	return nil
}

// GetBranch loads a single branch record by id.
func (s *Store) GetBranch(id string) (*enginetypes.Branch, error) {
	data, err := os.ReadFile(s.branchPath(id))
	if err != nil {
		return nil, fmt.Errorf("snapstore: branch %q not found: %w", id, err)
	}
	var rec branchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("snapstore: corrupt branch record %q: %w", id, err)
	}
	return recordToBranch(rec), nil
}

// ListBranches returns every persisted branch, optionally filtered to those
// diverging from a specific snapshot (spec §6 "list_branches(snapshot_id?)").
func (s *Store) ListBranches(divergenceSnapshot string) ([]enginetypes.Branch, error) {
	entries, err := os.ReadDir(s.branchesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapstore: list branches dir: %w", err)
	}

	var out []enginetypes.Branch
	for _, ent := range entries {
		if ent.IsDir() || strings.HasPrefix(ent.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(s.branchPath(ent.Name()))
		if err != nil {
			continue
		}
		var rec branchRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if divergenceSnapshot != "" && rec.DivergenceSnapshot != divergenceSnapshot {
			continue
		}
		out = append(out, *recordToBranch(rec))
	}
	return out, nil
}

func unixNanoToTime(nanos int64) time.Time {
	return time.Unix(0, nanos)
}

func recordToBranch(rec branchRecord) *enginetypes.Branch {
	return &enginetypes.Branch{
		ID:                 rec.ID,
		RootSnapshot:       rec.RootSnapshot,
		DivergenceSnapshot: rec.DivergenceSnapshot,
		ParentBranch:       rec.ParentBranch,
		CreatedAt:          unixNanoToTime(rec.CreatedAtUnixNano),
	}
}
