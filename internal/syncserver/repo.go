package syncserver

import (
	"context"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/store/local"
)

// Repository is where the server commits the three collections. It is
// satisfied by the Postgres repository and by local.Store, which lets a
// small clinic run the server on a single LevelDB file.
type Repository interface {
	ListPatients(ctx context.Context) ([]clinic.Patient, error)
	CreatePatient(ctx context.Context, p clinic.Patient) error

	ListVisits(ctx context.Context) ([]clinic.Visit, error)
	GetVisit(ctx context.Context, id string) (clinic.Visit, error)
	CreateVisit(ctx context.Context, v clinic.Visit) error
	SetVisitStatus(ctx context.Context, id string, status clinic.VisitStatus) error

	ListUsers(ctx context.Context) ([]clinic.AppUser, error)
	CreateUser(ctx context.Context, u clinic.AppUser) error
	DeleteUser(ctx context.Context, id string) error

	Ping(ctx context.Context) error
}

var _ Repository = (*local.Store)(nil)
