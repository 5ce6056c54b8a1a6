package meeting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps every meeting in one JSON file. Writes go through a temp
// file in the same directory plus a rename, so a crash mid-write leaves the
// previous version intact.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Create(m Meeting) error {
	if m.ID == "" {
		return fmt.Errorf("meeting id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range all {
		if existing.ID == m.ID {
			return fmt.Errorf("meeting %s already exists", m.ID)
		}
	}
	return s.save(append(all, m))
}

func (s *FileStore) Get(id string) (Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return Meeting{}, err
	}
	for _, m := range all {
		if m.ID == id {
			return m, nil
		}
	}
	return Meeting{}, ErrNotFound
}

func (s *FileStore) Update(m Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	for i, existing := range all {
		if existing.ID == m.ID {
			all[i] = m
			return s.save(all)
		}
	}
	return ErrNotFound
}

func (s *FileStore) List() ([]Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// load returns the stored meetings in creation order; a missing file is an
// empty history.
func (s *FileStore) load() ([]Meeting, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read meetings: %w", err)
	}
	var all []Meeting
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return all, nil
}

func (s *FileStore) save(all []Meeting) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("encode meetings: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create meetings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".meetings-*.json")
	if err != nil {
		return fmt.Errorf("temp meetings file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write meetings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close meetings file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace meetings file: %w", err)
	}
	return nil
}
