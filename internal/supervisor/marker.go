package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"serverless-launcher/internal/config"
)

// Marker is the liveness record written once the backend is ready.
type Marker struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// MarkerStore persists the liveness marker. It is the only record of
// whether the backend has been started in this container.
type MarkerStore interface {
	// Load returns the marker and whether one exists.
	Load() (Marker, bool, error)
	// Save writes the marker.
	Save(Marker) error
}

// FileMarkerStore keeps the marker in a file on local ephemeral storage.
// The file is never removed; a new container starts without it.
type FileMarkerStore struct {
	Path string
}

// NewFileMarkerStore returns a store backed by path.
func NewFileMarkerStore(path string) *FileMarkerStore {
	return &FileMarkerStore{Path: path}
}

// MarkerStoreFromConfig returns the store for the configured marker path.
// In development mode the marker lives in a fresh directory owned by this
// launcher, so a backend left over from an earlier dev session is never
// mistaken for a running one.
func MarkerStoreFromConfig(cfg *config.Config) (*FileMarkerStore, error) {
	if !cfg.Launcher.Dev {
		return NewFileMarkerStore(cfg.Launcher.MarkerPath), nil
	}
	dir, err := os.MkdirTemp("", "launcher-")
	if err != nil {
		return nil, fmt.Errorf("create dev marker dir: %w", err)
	}
	return NewFileMarkerStore(filepath.Join(dir, filepath.Base(cfg.Launcher.MarkerPath))), nil
}

// Load reports the marker as present whenever the file exists. Contents are
// parsed best-effort: a JSON document, or a bare PID as older launchers wrote.
func (s *FileMarkerStore) Load() (Marker, bool, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, fmt.Errorf("read marker %s: %w", s.Path, err)
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err == nil {
		return m, true, nil
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
		return Marker{PID: pid}, true, nil
	}
	return Marker{}, true, nil
}

// Save writes the marker atomically so a concurrent reader never sees a partial file.
func (s *FileMarkerStore) Save(m Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}

	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*")
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close marker: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename marker: %w", err)
	}
	return nil
}
