package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samehmaged/Minya-diabetes-system/internal/archive"
	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
)

// Registration is the registrar's new-patient form.
type Registration struct {
	Name       string
	NationalID string
	Age        int
	Gender     clinic.Gender
}

// RegisterPatient creates the patient and moves to StatePrintingCard. A new
// registration may start while a previous card is still showing.
func (s *Session) RegisterPatient(ctx context.Context, r Registration) (clinic.Patient, error) {
	s.mu.Lock()
	if err := s.require(clinic.RoleRegistrar, StateRegistrarIdle, StatePrintingCard); err != nil {
		s.mu.Unlock()
		return clinic.Patient{}, err
	}
	s.mu.Unlock()

	gender := r.Gender
	if gender == "" {
		gender = clinic.GenderMale
	}
	p := clinic.Patient{
		ID:               s.opts.NewID(),
		Name:             strings.TrimSpace(r.Name),
		NationalID:       strings.TrimSpace(r.NationalID),
		Age:              r.Age,
		Gender:           gender,
		RegistrationDate: s.opts.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := p.Validate(); err != nil {
		return clinic.Patient{}, err
	}
	if err := s.store.CreatePatient(ctx, p); err != nil {
		s.log.Warn().Err(err).Msg("patient registration failed")
		return clinic.Patient{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertPatient(p)
	if !s.closed {
		card := p
		s.card = &card
		s.enter(StatePrintingCard)
	}
	s.log.Info().Str("patient_id", p.ID).Msg("patient registered")
	return p, nil
}

// Card returns the patient whose card is being printed.
func (s *Session) Card() (clinic.Patient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current() != StatePrintingCard || s.card == nil {
		return clinic.Patient{}, false
	}
	return *s.card, true
}

// ReprintCard shows the card of an already registered patient again.
func (s *Session) ReprintCard(patientID string) (clinic.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(clinic.RoleRegistrar, StateRegistrarIdle, StatePrintingCard); err != nil {
		return clinic.Patient{}, err
	}
	p, ok := s.findPatient(patientID)
	if !ok {
		return clinic.Patient{}, fmt.Errorf("patient %s: %w", patientID, clinic.ErrNotFound)
	}
	card := p
	s.card = &card
	s.enter(StatePrintingCard)
	return p, nil
}

// AcknowledgeCard leaves StatePrintingCard before PrintHold runs out.
func (s *Session) AcknowledgeCard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(clinic.RoleRegistrar, StatePrintingCard); err != nil {
		return err
	}
	s.card = nil
	s.enter(StateRegistrarIdle)
	return nil
}

// OpenStaff enters the staff management screen.
func (s *Session) OpenStaff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(clinic.RoleRegistrar, StateRegistrarIdle); err != nil {
		return err
	}
	s.enter(StateManagingStaff)
	return nil
}

// CloseStaff returns to StateRegistrarIdle.
func (s *Session) CloseStaff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(clinic.RoleRegistrar, StateManagingStaff); err != nil {
		return err
	}
	s.enter(StateRegistrarIdle)
	return nil
}

// Staff lists stored accounts ordered by username.
func (s *Session) Staff() ([]clinic.AppUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(clinic.RoleRegistrar); err != nil {
		return nil, err
	}
	out := slices.Clone(s.users)
	slices.SortFunc(out, func(a, b clinic.AppUser) int { return strings.Compare(a.Username, b.Username) })
	return out, nil
}

// StaffForm is the new-account form.
type StaffForm struct {
	Name     string
	Username string
	Password string
	Role     clinic.Role
}

// CreateStaff adds an account.
func (s *Session) CreateStaff(ctx context.Context, f StaffForm) (clinic.AppUser, error) {
	u := clinic.AppUser{
		ID:       s.opts.NewID(),
		Name:     strings.TrimSpace(f.Name),
		Username: strings.TrimSpace(f.Username),
		Password: f.Password,
		Role:     f.Role,
	}

	s.mu.Lock()
	if err := s.require(clinic.RoleRegistrar, StateManagingStaff); err != nil {
		s.mu.Unlock()
		return clinic.AppUser{}, err
	}
	taken := slices.ContainsFunc(s.users, func(x clinic.AppUser) bool { return x.Username == u.Username })
	s.mu.Unlock()

	if err := u.Validate(); err != nil {
		return clinic.AppUser{}, err
	}
	if taken {
		return clinic.AppUser{}, clinic.ErrDuplicateUsername
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return clinic.AppUser{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.ContainsFunc(s.users, func(x clinic.AppUser) bool { return x.ID == u.ID }) {
		s.users = append(s.users, u)
	}
	s.log.Info().Str("user_id", u.ID).Str("new_username", u.Username).Msg("staff account created")
	return u, nil
}

// DeleteStaff removes an account. The bootstrap identity is refused.
func (s *Session) DeleteStaff(ctx context.Context, userID string) error {
	s.mu.Lock()
	if err := s.require(clinic.RoleRegistrar, StateManagingStaff); err != nil {
		s.mu.Unlock()
		return err
	}
	protected := userID == clinic.BootstrapUser.ID || slices.ContainsFunc(s.users, func(u clinic.AppUser) bool {
		return u.ID == userID && u.IsBootstrap()
	})
	s.mu.Unlock()

	if protected {
		return clinic.ErrProtectedUser
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = slices.DeleteFunc(s.users, func(u clinic.AppUser) bool { return u.ID == userID })
	s.log.Info().Str("user_id", userID).Msg("staff account deleted")
	return nil
}

// ExportArchive renders the archive from the cached collections.
func (s *Session) ExportArchive(ctx context.Context, exp *archive.Exporter) (archive.Result, error) {
	s.mu.Lock()
	if err := s.require(clinic.RoleRegistrar); err != nil {
		s.mu.Unlock()
		return archive.Result{}, err
	}
	patients := slices.Clone(s.patients)
	visits := slices.Clone(s.visits)
	s.mu.Unlock()

	res, err := exp.Export(ctx, s.opts.Now().In(s.opts.Location), patients, visits)
	if err != nil {
		return res, fmt.Errorf("export archive: %w", err)
	}
	return res, nil
}
