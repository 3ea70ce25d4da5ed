package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is the file-backed keyed session store. One JSON file holds the
// session bundle for each logical service, keyed by service name. It is
// read at process start and rewritten after every successful login.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a Store at path. The file is created lazily on the
// first Save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the persisted session for a service, or nil when none is
// stored yet.
func (st *Store) Load(service Service) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	all, err := st.read()
	if err != nil {
		return nil, err
	}
	s := all[string(service)]
	if s != nil {
		s.Service = service
	}
	return s, nil
}

// Save persists the session under its service key, preserving the other
// service's entry. The write is atomic (temp file plus rename).
func (st *Store) Save(service Service, s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	all, err := st.read()
	if err != nil {
		return err
	}
	all[string(service)] = s

	raw, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(st.path), 0o700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write session store: %w", err)
	}
	return os.Rename(tmp, st.path)
}

func (st *Store) read() (map[string]*Session, error) {
	all := make(map[string]*Session)
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return all, nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse session store: %w", err)
	}
	return all, nil
}
