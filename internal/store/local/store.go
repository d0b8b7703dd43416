// Package local is the single-device backend: one LevelDB file holding a
// JSON list per collection.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/store"
)

// Slot keys. The patient and visit names are the ones the clinic has
// always used on disk.
const (
	PatientsKey = "minya_diabetes_patients"
	VisitsKey   = "minya_diabetes_visits"
	UsersKey    = "minya_diabetes_users"
)

// Store is the LevelDB backend. Every write is a read-modify-write of one
// slot under mu, so writers inside the process serialize.
type Store struct {
	mu  sync.Mutex
	db  *leveldb.DB
	log zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database directory at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	logger.Info().Str("path", path).Msg("local store opened")
	return &Store{db: db, log: logger}, nil
}

// OpenStorage opens a database on an arbitrary LevelDB storage, typically
// storage.NewMemStorage() in tests.
func OpenStorage(stor storage.Storage, logger zerolog.Logger) (*Store, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb storage: %w", err)
	}
	return &Store{db: db, log: logger}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// readSlot decodes one slot. A missing or unreadable slot is an empty list.
func readSlot[T any](s *Store, key string) ([]T, error) {
	data, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return []T{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		s.log.Warn().Err(err).Str("slot", key).Msg("corrupt slot, treating as empty")
		return []T{}, nil
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func writeSlot[T any](s *Store, key string, items []T) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.db.Put([]byte(key), data, nil); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Store) ListPatients(_ context.Context) ([]clinic.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readSlot[clinic.Patient](s, PatientsKey)
}

func (s *Store) CreatePatient(_ context.Context, p clinic.Patient) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	patients, err := readSlot[clinic.Patient](s, PatientsKey)
	if err != nil {
		return err
	}
	for _, existing := range patients {
		if existing.ID == p.ID {
			return clinic.ErrDuplicateID
		}
	}
	return writeSlot(s, PatientsKey, append(patients, p))
}

func (s *Store) ListVisits(_ context.Context) ([]clinic.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readSlot[clinic.Visit](s, VisitsKey)
}

func (s *Store) CreateVisit(_ context.Context, v clinic.Visit) error {
	if err := store.CheckVisit(v); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	patients, err := readSlot[clinic.Patient](s, PatientsKey)
	if err != nil {
		return err
	}
	if _, ok := store.PatientIndex(patients)[v.PatientID]; !ok {
		return store.UnknownPatient(v.PatientID)
	}

	visits, err := readSlot[clinic.Visit](s, VisitsKey)
	if err != nil {
		return err
	}
	for _, existing := range visits {
		if existing.ID == v.ID {
			return clinic.ErrDuplicateID
		}
	}
	return writeSlot(s, VisitsKey, append(visits, v))
}

func (s *Store) SetVisitStatus(_ context.Context, visitID string, status clinic.VisitStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	visits, err := readSlot[clinic.Visit](s, VisitsKey)
	if err != nil {
		return err
	}
	for i := range visits {
		if visits[i].ID != visitID {
			continue
		}
		if err := clinic.CheckTransition(visits[i].Status, status); err != nil {
			return err
		}
		if visits[i].Status == status {
			return nil
		}
		visits[i].Status = status
		return writeSlot(s, VisitsKey, visits)
	}
	return store.UnknownVisit(visitID)
}

func (s *Store) ListUsers(_ context.Context) ([]clinic.AppUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readSlot[clinic.AppUser](s, UsersKey)
}

func (s *Store) CreateUser(_ context.Context, u clinic.AppUser) error {
	if err := u.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := readSlot[clinic.AppUser](s, UsersKey)
	if err != nil {
		return err
	}
	for _, existing := range users {
		if existing.ID == u.ID {
			return clinic.ErrDuplicateID
		}
		if existing.Username == u.Username {
			return clinic.ErrDuplicateUsername
		}
	}
	return writeSlot(s, UsersKey, append(users, u))
}

func (s *Store) DeleteUser(_ context.Context, userID string) error {
	if userID == clinic.BootstrapUser.ID {
		return clinic.ErrProtectedUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := readSlot[clinic.AppUser](s, UsersKey)
	if err != nil {
		return err
	}
	for i, u := range users {
		if u.ID != userID {
			continue
		}
		if u.IsBootstrap() {
			return clinic.ErrProtectedUser
		}
		return writeSlot(s, UsersKey, append(users[:i:i], users[i+1:]...))
	}
	return store.UnknownUser(userID)
}

// Subscribe delivers the current content of c once, before returning. There
// are no other writers, so nothing follows.
func (s *Store) Subscribe(ctx context.Context, c store.Collection, fn store.Listener) (store.CancelFunc, error) {
	snap, err := s.Snapshot(ctx, c)
	if err != nil {
		return nil, err
	}
	fn(snap)
	return func() {}, nil
}

// Snapshot reads the whole of collection c.
func (s *Store) Snapshot(ctx context.Context, c store.Collection) (store.Snapshot, error) {
	snap := store.Snapshot{Collection: c}
	var err error
	switch c {
	case store.Patients:
		snap.Patients, err = s.ListPatients(ctx)
	case store.Visits:
		snap.Visits, err = s.ListVisits(ctx)
	case store.Users:
		snap.Users, err = s.ListUsers(ctx)
	default:
		return snap, clinic.NewValidationError("collection", "unknown collection "+string(c))
	}
	return snap, err
}

// GetVisit returns one visit by id.
func (s *Store) GetVisit(ctx context.Context, id string) (clinic.Visit, error) {
	visits, err := s.ListVisits(ctx)
	if err != nil {
		return clinic.Visit{}, err
	}
	for _, v := range visits {
		if v.ID == id {
			return v, nil
		}
	}
	return clinic.Visit{}, store.UnknownVisit(id)
}

// Ping reports whether the database is still open.
func (s *Store) Ping(_ context.Context) error {
	_, err := s.db.GetProperty("leveldb.num-files-at-level0")
	return err
}
