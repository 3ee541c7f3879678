package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// LocalStore lays recorded audio out as <root>/<meeting_id>/<track>.wav.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

// Dir returns the store root.
func (s *LocalStore) Dir() string { return s.root }

func (s *LocalStore) dirOf(id int64) string {
	return filepath.Join(s.root, strconv.FormatInt(id, 10))
}

// MeetingDir returns the directory holding a meeting's tracks, creating it.
func (s *LocalStore) MeetingDir(id int64) (string, error) {
	dir := s.dirOf(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create meeting dir: %w", err)
	}
	return dir, nil
}

// TrackPath is where the WAV of one track lives. The file may not exist.
func (s *LocalStore) TrackPath(id int64, track string) string {
	return filepath.Join(s.dirOf(id), track+".wav")
}

// RemoveMeeting deletes a meeting's directory. A missing directory is not an
// error.
func (s *LocalStore) RemoveMeeting(id int64) error {
	if err := os.RemoveAll(s.dirOf(id)); err != nil {
		return fmt.Errorf("remove meeting %d audio: %w", id, err)
	}
	return nil
}

// WipeAll empties the root but keeps the root directory itself, which may be
// a mount point or carry permissions the user set.
func (s *LocalStore) WipeAll() error {
	root, err := os.Open(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(s.root, 0o755)
	}
	if err != nil {
		return fmt.Errorf("open audio root: %w", err)
	}
	names, err := root.Readdirnames(-1)
	root.Close()
	if err != nil {
		return fmt.Errorf("list audio root: %w", err)
	}

	var errs []error
	for _, name := range names {
		if err := os.RemoveAll(filepath.Join(s.root, name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Usage is the size in bytes of everything below the root.
func (s *LocalStore) Usage() int64 { return DirSize(s.root) }
