package registry

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/elazzi/tuyalocalwebserver/internal/pkg/logging"
)

// ErrNotFound is returned for lookups and deletes of unknown device IDs
var ErrNotFound = errors.New("device not configured")

// Store is the persisted device registry.  The whole registry is loaded
// at start-up and the backing file is rewritten wholesale after every
// mutation.  A single mutex serialises writers; concurrent mutations are
// last-write-wins at the record level, which is the accepted limitation
// of the single-writer model.
type Store struct {
	fileName string

	mu      sync.Mutex
	records map[string]DeviceRecord
}

// NewStore creates a registry backed by fileName.  The file need not
// exist yet; it is created on the first mutation.
func NewStore(fileName string) *Store {
	return &Store{
		fileName: fileName,
		records:  make(map[string]DeviceRecord),
	}
}

// Load reads the whole registry file.  A missing or malformed file
// yields an empty registry rather than a start-up failure.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]DeviceRecord)

	data, err := os.ReadFile(s.fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "opening device registry %s", s.fileName)
	}

	var loaded map[string]DeviceRecord
	if err := json.Unmarshal(data, &loaded); err != nil {
		logging.Logger(nil).WithError(err).Warnf("device registry %s is not a JSON object, starting empty", s.fileName)
		return nil
	}

	// Backfill IDs for records saved without one
	for id, rec := range loaded {
		if rec.ID == "" {
			rec.ID = id
		}
		s.records[id] = rec
	}

	return nil
}

// Get returns the record for id, or ErrNotFound
func (s *Store) Get(id string) (DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return DeviceRecord{}, ErrNotFound
	}
	return rec, nil
}

// Has reports whether id is configured
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.records[id]
	return ok
}

// Put inserts or replaces a record and rewrites the backing file
func (s *Store) Put(id string, rec DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = id
	}
	s.records[id] = rec

	return s.flush()
}

// Delete removes a record and rewrites the backing file.  Deleting an
// unknown id returns ErrNotFound without touching the file.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)

	return s.flush()
}

// List returns a copy of all records, ordered by device id
func (s *Store) List() []DeviceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DeviceRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// All returns a copy of the registry keyed by device id, for the
// full-registry API dump
func (s *Store) All() map[string]DeviceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]DeviceRecord, len(s.records))
	for id, rec := range s.records {
		out[id] = rec
	}
	return out
}

// flush rewrites the whole backing file.  Callers hold s.mu.
func (s *Store) flush() error {
	file, err := os.OpenFile(s.fileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening device registry %s for write", s.fileName)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.records); err != nil {
		return errors.Wrapf(err, "saving device registry to %s", s.fileName)
	}

	return nil
}
