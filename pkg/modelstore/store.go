// Package modelstore persists model versions to a content-addressed
// directory on disk, writing each version atomically.
package modelstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/openfl/coordinator/pkg/model"
)

// Store is a directory of JSON-encoded model versions named "v<N>.json".
// Reads and writes are serialized by an internal mutex; callers outside
// the coordinator's single-writer region may call Get/Latest freely.
type Store struct {
	mu  sync.RWMutex
	dir string
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("modelstore: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Bootstrap seeds version "v1" as an all-zero payload matching
// initialShapes, unless a version already exists on disk. It is
// idempotent and safe to call every process start.
func (s *Store) Bootstrap(initialShapes [][]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.listVersionsLocked()
	if err != nil {
		return err
	}
	if len(versions) > 0 {
		return nil
	}
	return s.putLocked("v1", model.Zero(initialShapes))
}

// Put atomically writes payload as the named version: write to a temp
// file in the same directory, then rename over the final path.
func (s *Store) Put(version string, payload *model.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(version, payload)
}

func (s *Store) putLocked(version string, payload *model.Payload) error {
	data, err := json.Marshal(wireModel{Layers: payload.Layers})
	if err != nil {
		return fmt.Errorf("modelstore: marshal %s: %w", version, err)
	}

	final := s.pathFor(version)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("modelstore: write temp file for %s: %w", version, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("modelstore: rename into place for %s: %w", version, err)
	}
	return nil
}

// Get loads the named version, or reports ok=false if it does not exist.
func (s *Store) Get(version string) (payload *model.Payload, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.pathFor(version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("modelstore: read %s: %w", version, err)
	}

	var wm wireModel
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, false, fmt.Errorf("modelstore: decode %s: %w", version, err)
	}
	return &model.Payload{Layers: wm.Layers}, true, nil
}

// Latest returns the highest version number present, e.g. "v7".
func (s *Store) Latest() (version string, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, err := s.listVersionsLocked()
	if err != nil {
		return "", false, err
	}
	if len(versions) == 0 {
		return "", false, nil
	}
	return versions[len(versions)-1], true, nil
}

// NextVersion returns the version name one past the current latest,
// e.g. "v8" following "v7", or "v1" if the store is empty.
func (s *Store) NextVersion() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, err := s.listVersionsLocked()
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "v1", nil
	}
	n, err := versionNumber(versions[len(versions)-1])
	if err != nil {
		return "", err
	}
	return "v" + strconv.Itoa(n+1), nil
}

func (s *Store) pathFor(version string) string {
	return filepath.Join(s.dir, version+".json")
}

func (s *Store) listVersionsLocked() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("modelstore: list dir: %w", err)
	}

	var versions []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if _, err := versionNumber(name); err != nil {
			continue
		}
		versions = append(versions, name)
	}

	sort.Slice(versions, func(i, j int) bool {
		ni, _ := versionNumber(versions[i])
		nj, _ := versionNumber(versions[j])
		return ni < nj
	})
	return versions, nil
}

func versionNumber(version string) (int, error) {
	if !strings.HasPrefix(version, "v") {
		return 0, fmt.Errorf("modelstore: malformed version %q", version)
	}
	return strconv.Atoi(strings.TrimPrefix(version, "v"))
}

type wireModel struct {
	Layers []model.Layer `json:"layers"`
}
