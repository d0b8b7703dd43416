package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/db"
	"github.com/samehmaged/Minya-diabetes-system/internal/store"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewPGRepository returns a Repository backed by the tables of
// migrations/001_clinic.sql.
func NewPGRepository(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// -- Patients --

const patientCols = `id, name, national_id, age, gender, registration_date`

func (r *repoPG) ListPatients(ctx context.Context) ([]clinic.Patient, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+patientCols+` FROM patients ORDER BY registration_date, id`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (clinic.Patient, error) {
		var p clinic.Patient
		err := row.Scan(&p.ID, &p.Name, &p.NationalID, &p.Age, &p.Gender, &p.RegistrationDate)
		return p, err
	})
}

func (r *repoPG) CreatePatient(ctx context.Context, p clinic.Patient) error {
	if err := p.Validate(); err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO patients (`+patientCols+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Name, p.NationalID, p.Age, p.Gender, p.RegistrationDate,
	)
	if err != nil {
		return fmt.Errorf("create patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return clinic.ErrDuplicateID
	}
	return nil
}

// -- Visits --

const visitCols = `id, patient_id, visit_date, created_at, diagnosis, medications, referral, doctor_name, status`

func scanVisit(row pgx.Row) (clinic.Visit, error) {
	var v clinic.Visit
	var meds []byte
	if err := row.Scan(&v.ID, &v.PatientID, &v.Date, &v.CreatedAt, &v.Diagnosis, &meds, &v.Referral, &v.DoctorName, &v.Status); err != nil {
		return v, err
	}
	if err := json.Unmarshal(meds, &v.Medications); err != nil {
		return v, fmt.Errorf("decode medications of visit %s: %w", v.ID, err)
	}
	if v.Medications == nil {
		v.Medications = []clinic.MedicationItem{}
	}
	return v, nil
}

func (r *repoPG) ListVisits(ctx context.Context) ([]clinic.Visit, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+visitCols+` FROM visits ORDER BY visit_date, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (clinic.Visit, error) {
		return scanVisit(row)
	})
}

func (r *repoPG) GetVisit(ctx context.Context, id string) (clinic.Visit, error) {
	v, err := scanVisit(r.pool.QueryRow(ctx, `SELECT `+visitCols+` FROM visits WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return clinic.Visit{}, store.UnknownVisit(id)
	}
	return v, err
}

func (r *repoPG) CreateVisit(ctx context.Context, v clinic.Visit) error {
	if err := store.CheckVisit(v); err != nil {
		return err
	}
	meds := v.Medications
	if meds == nil {
		meds = []clinic.MedicationItem{}
	}
	medsJSON, err := json.Marshal(meds)
	if err != nil {
		return fmt.Errorf("encode medications: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO visits (`+visitCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		v.ID, v.PatientID, v.Date, v.CreatedAt, v.Diagnosis, medsJSON, v.Referral, v.DoctorName, v.Status,
	)
	if db.ForeignKeyViolation(err) {
		return store.UnknownPatient(v.PatientID)
	}
	if err != nil {
		return fmt.Errorf("create visit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return clinic.ErrDuplicateID
	}
	return nil
}

func (r *repoPG) SetVisitStatus(ctx context.Context, id string, status clinic.VisitStatus) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current clinic.VisitStatus
	err = tx.QueryRow(ctx, `SELECT status FROM visits WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.UnknownVisit(id)
	}
	if err != nil {
		return fmt.Errorf("read visit status: %w", err)
	}
	if err := clinic.CheckTransition(current, status); err != nil {
		return err
	}
	if current == status {
		return nil
	}
	if _, err := tx.Exec(ctx, `UPDATE visits SET status = $2 WHERE id = $1`, id, status); err != nil {
		return fmt.Errorf("update visit status: %w", err)
	}
	return tx.Commit(ctx)
}

// -- Users --

const userCols = `id, name, username, password, role`

func (r *repoPG) ListUsers(ctx context.Context) ([]clinic.AppUser, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userCols+` FROM app_users ORDER BY username, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (clinic.AppUser, error) {
		var u clinic.AppUser
		err := row.Scan(&u.ID, &u.Name, &u.Username, &u.Password, &u.Role)
		return u, err
	})
}

func (r *repoPG) CreateUser(ctx context.Context, u clinic.AppUser) error {
	if err := u.Validate(); err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO app_users (`+userCols+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Name, u.Username, u.Password, u.Role,
	)
	if _, ok := db.UniqueViolation(err); ok {
		return clinic.ErrDuplicateUsername
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return clinic.ErrDuplicateID
	}
	return nil
}

func (r *repoPG) DeleteUser(ctx context.Context, id string) error {
	if id == clinic.BootstrapUser.ID {
		return clinic.ErrProtectedUser
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var u clinic.AppUser
	err = tx.QueryRow(ctx, `SELECT `+userCols+` FROM app_users WHERE id = $1 FOR UPDATE`, id).
		Scan(&u.ID, &u.Name, &u.Username, &u.Password, &u.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.UnknownUser(id)
	}
	if err != nil {
		return fmt.Errorf("read user: %w", err)
	}
	if u.IsBootstrap() {
		return clinic.ErrProtectedUser
	}
	if _, err := tx.Exec(ctx, `DELETE FROM app_users WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return tx.Commit(ctx)
}
