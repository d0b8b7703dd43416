// Package store defines the storage port the clinic workflow talks to.
//
// Two backends satisfy it: store/local keeps everything in a single-process
// LevelDB file, store/replicated talks to the clinic replication server and
// receives pushed updates from other clients. Callers depend only on Store.
package store

import (
	"context"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
)

// Collection names one of the three replicated collections.
type Collection string

const (
	Patients Collection = "patients"
	Visits   Collection = "visits"
	Users    Collection = "users"
)

// Collections lists every collection in a stable order.
var Collections = []Collection{Patients, Visits, Users}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	return c == Patients || c == Visits || c == Users
}

// Snapshot is the full content of one collection at one point in time.
// Only the slice matching Collection is populated.
type Snapshot struct {
	Collection Collection
	Patients   []clinic.Patient
	Visits     []clinic.Visit
	Users      []clinic.AppUser
}

// Len returns the number of entities in the snapshot.
func (s Snapshot) Len() int {
	switch s.Collection {
	case Patients:
		return len(s.Patients)
	case Visits:
		return len(s.Visits)
	case Users:
		return len(s.Users)
	}
	return 0
}

// Listener receives every snapshot of a subscribed collection. Backends may
// call it from any goroutine; it must not block.
type Listener func(Snapshot)

// CancelFunc stops a subscription. Once it returns no further snapshots are
// delivered.
type CancelFunc func()

// Store is the contract both backends implement with identical semantics.
//
// Creates fail with clinic.ErrDuplicateID when the id is taken.
// SetVisitStatus fails with clinic.ErrNotFound for an unknown visit and with
// clinic.ErrInvalidTransition when moving backward; repeating the current
// status is a no-op. DeleteUser refuses the bootstrap admin with
// clinic.ErrProtectedUser. Network failures surface as
// clinic.ErrBackendUnavailable.
type Store interface {
	ListPatients(ctx context.Context) ([]clinic.Patient, error)
	CreatePatient(ctx context.Context, p clinic.Patient) error

	ListVisits(ctx context.Context) ([]clinic.Visit, error)
	CreateVisit(ctx context.Context, v clinic.Visit) error
	SetVisitStatus(ctx context.Context, visitID string, status clinic.VisitStatus) error

	ListUsers(ctx context.Context) ([]clinic.AppUser, error)
	CreateUser(ctx context.Context, u clinic.AppUser) error
	DeleteUser(ctx context.Context, userID string) error

	// Subscribe registers fn for c. fn first receives the current content of
	// c, then (for backends with other writers) every later state.
	Subscribe(ctx context.Context, c Collection, fn Listener) (CancelFunc, error)

	Close() error
}

// ConnectionReporter is implemented by backends that can lose their
// connection.
type ConnectionReporter interface {
	Connected() bool
}
