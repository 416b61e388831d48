package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SnapshotStore is the persistence sink for round snapshots.
// All implementations must be safe for concurrent use.
type SnapshotStore interface {
	// Write persists a snapshot, atomically replacing any existing one for
	// the same round id.
	Write(snap RoundSnapshot) error
	// Read retrieves the snapshot for a round id.
	// Returns os.ErrNotExist (via errors.Is) when not found.
	Read(id string) (RoundSnapshot, error)
	// Delete removes the snapshot for a round id.
	// Returns nil when the snapshot does not exist (idempotent).
	Delete(id string) error
	// List returns all persisted snapshots; corrupt entries are logged and
	// skipped.
	List() ([]RoundSnapshot, error)
}

// FileSnapshotStore persists rounds as individual JSON files under a
// directory, one <roundId>.json per round. Writes stream the snapshot
// through a unique temp file and finish with an atomic rename.
type FileSnapshotStore struct {
	dir string
}

// NewFileSnapshotStore creates a FileSnapshotStore rooted at dir.
// The directory is created (including parents) if it does not exist.
func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("snapshot store: create directory %q: %w", dir, err)
	}
	return &FileSnapshotStore{dir: dir}, nil
}

// Write streams snap to a unique temp file and renames it into place.
// os.CreateTemp gives concurrent writes for the same round their own temp
// file, so the rename is the only visible transition.
func (s *FileSnapshotStore) Write(snap RoundSnapshot) error {
	id := snap.Metadata.ID
	if id == "" {
		return fmt.Errorf("snapshot store: missing round id")
	}

	tmpFile, err := os.CreateTemp(s.dir, "."+id+".*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot store: create temp file for %q: %w", id, err)
	}
	tmpName := tmpFile.Name()

	// Encode straight to the file; the task list dominates the snapshot size
	// and never needs a second in-memory copy.
	enc := json.NewEncoder(tmpFile)
	if err := enc.Encode(snap); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("snapshot store: encode %q: %w", id, err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("snapshot store: close temp file for %q: %w", id, err)
	}

	final := s.path(id)
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("snapshot store: rename temp → %q: %w", final, err)
	}

	slog.Debug("round snapshot persisted", "round_id", id, "tasks", len(snap.Store.Tasks))
	return nil
}

// Read loads and decodes the snapshot for id.
// Returns an error satisfying errors.Is(err, os.ErrNotExist) when not found.
func (s *FileSnapshotStore) Read(id string) (RoundSnapshot, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return RoundSnapshot{}, fmt.Errorf("snapshot store: %q not found: %w", id, os.ErrNotExist)
		}
		return RoundSnapshot{}, fmt.Errorf("snapshot store: open %q: %w", id, err)
	}
	defer f.Close()

	var snap RoundSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return RoundSnapshot{}, fmt.Errorf("snapshot store: decode %q: %w", id, err)
	}
	return snap, nil
}

// Delete removes the snapshot file for id.
// Returns nil when the file does not exist (idempotent).
func (s *FileSnapshotStore) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("snapshot store: delete %q: %w", id, err)
	}
	slog.Debug("round snapshot removed", "round_id", id)
	return nil
}

// List reads all {roundId}.json files in the directory.
// Files that cannot be read or decoded are logged and skipped.
func (s *FileSnapshotStore) List() ([]RoundSnapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot store: read directory %q: %w", s.dir, err)
	}

	var snaps []RoundSnapshot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		snap, err := s.Read(id)
		if err != nil {
			slog.Warn("snapshot store: skipping unreadable file",
				"file", filepath.Join(s.dir, name),
				"error", err,
			)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// path returns the absolute path to the JSON file for a given round id.
func (s *FileSnapshotStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// noopSnapshotStore is a SnapshotStore that does nothing, used when
// persistence is disabled.
type noopSnapshotStore struct{}

func (noopSnapshotStore) Write(RoundSnapshot) error { return nil }
func (noopSnapshotStore) Read(string) (RoundSnapshot, error) {
	return RoundSnapshot{}, os.ErrNotExist
}
func (noopSnapshotStore) Delete(string) error          { return nil }
func (noopSnapshotStore) List() ([]RoundSnapshot, error) { return nil, nil }

var _ SnapshotStore = noopSnapshotStore{}
var _ SnapshotStore = (*FileSnapshotStore)(nil)
