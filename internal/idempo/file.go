package idempo

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"capital-guard/internal/fsx"
)

// FileStore persists entries as a single JSON object on disk. Entries never
// expire; the file survives process restarts. A corrupted file is an error at
// open time rather than a silent reset, because losing dedupe state can allow
// a spend to execute twice.
type FileStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]string
}

// OpenFileStore loads (or initializes) the store at path.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, entries: make(map[string]string)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempo: read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return fs, nil
	}
	if err := json.Unmarshal(raw, &fs.entries); err != nil {
		return nil, fmt.Errorf("idempo: %s is corrupted: %w", path, err)
	}
	return fs, nil
}

func (f *FileStore) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

func (f *FileStore) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[key]
	return v, ok
}

func (f *FileStore) Put(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = value
	data, err := json.MarshalIndent(f.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("idempo: encode entries: %w", err)
	}
	if err := fsx.WriteFileAtomic(f.path, data, 0o644); err != nil {
		return fmt.Errorf("idempo: persist %s: %w", f.path, err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
