package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"mail-gateway/internal/logging"
	"mail-gateway/internal/models"
)

// Error describes a failed store operation. Op is one of read, decode, encode or write.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FileStore keeps every sent record in one JSON array file.
// Each append rewrites the whole file; writers are serialized.
type FileStore struct {
	path string
	mu   sync.RWMutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

// Append adds rec at the end of the collection
func (s *FileStore) Append(ctx context.Context, rec models.SentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	records = append(records, rec)

	if err := s.write(records); err != nil {
		return err
	}

	logging.Log.WithField("transport_id", rec.TransportID).
		WithField("count", len(records)).
		Debug("Sent record stored")
	return nil
}

// List returns all records in append order. An absent file is an empty collection.
func (s *FileStore) List(ctx context.Context) ([]models.SentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.read()
}

func (s *FileStore) read() ([]models.SentRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []models.SentRecord{}, nil
	}
	if err != nil {
		return nil, &Error{Op: "read", Path: s.path, Err: err}
	}

	records := []models.SentRecord{}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, &Error{Op: "decode", Path: s.path, Err: err}
	}
	if records == nil {
		// a literal "null" in the file
		records = []models.SentRecord{}
	}
	return records, nil
}

// write replaces the file through a temp file in the same directory
func (s *FileStore) write(records []models.SentRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return &Error{Op: "encode", Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return &Error{Op: "write", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &Error{Op: "write", Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &Error{Op: "write", Path: s.path, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return &Error{Op: "write", Path: s.path, Err: err}
	}
	return nil
}
