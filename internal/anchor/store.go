package anchor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrAnchorExists is returned when an anchor id was already written.
	ErrAnchorExists = errors.New("anchor: anchor already exists")
	// ErrAnchorNotFound is returned when reading an unknown anchor id.
	ErrAnchorNotFound = errors.New("anchor: anchor not found")
)

// FileStore persists anchors as one 0600 JSON file per anchor under a 0700
// directory. Like forensic records, anchor files are evidence and are never
// rewritten.
type FileStore struct {
	dir string
}

// NewFileStore creates the anchor directory and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("anchor: store dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("anchor: create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the anchor directory.
func (fs *FileStore) Dir() string { return fs.dir }

// Path returns the file path an anchor id maps to.
func (fs *FileStore) Path(id string) string {
	return filepath.Join(fs.dir, id+".json")
}

// Write persists an anchor exclusively.
func (fs *FileStore) Write(a *Anchor) (string, error) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("anchor: encode %s: %w", a.AnchorID, err)
	}

	path := fs.Path(a.AnchorID)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrAnchorExists, a.AnchorID)
		}
		return "", fmt.Errorf("anchor: create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("anchor: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("anchor: sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("anchor: close %s: %w", path, err)
	}
	return path, nil
}

// Read loads one anchor by id.
func (fs *FileStore) Read(id string) (*Anchor, error) {
	data, err := os.ReadFile(fs.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAnchorNotFound, id)
		}
		return nil, fmt.Errorf("anchor: read %s: %w", id, err)
	}
	var a Anchor
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("anchor: parse %s: %w", id, err)
	}
	return &a, nil
}

// List loads every anchor, oldest first.
func (fs *FileStore) List() ([]*Anchor, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("anchor: list anchors: %w", err)
	}

	anchors := make([]*Anchor, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		a, err := fs.Read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		anchors = append(anchors, a)
	}
	sort.Slice(anchors, func(i, j int) bool {
		if anchors[i].CreatedAt != anchors[j].CreatedAt {
			return anchors[i].CreatedAt < anchors[j].CreatedAt
		}
		return anchors[i].AnchorID < anchors[j].AnchorID
	})
	return anchors, nil
}
