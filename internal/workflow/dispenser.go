package workflow

import (
	"context"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/store"
)

// DispenseItem is one line of the dispenser list.
type DispenseItem struct {
	Visit   clinic.Visit
	Patient clinic.Patient
}

// Dispensable reports whether the visit still awaits dispensing.
func (d DispenseItem) Dispensable() bool {
	return d.Visit.Status == clinic.StatusPrescribed
}

// TodaysVisits lists visits dated today, most recent first. Days compare as
// calendar strings, never as time ranges. Visits of unknown patients are
// left out.
func (s *Session) TodaysVisits() ([]DispenseItem, error) {
	today := s.today()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(clinic.RoleDispenser, StateListing); err != nil {
		return nil, err
	}

	var visits []clinic.Visit
	for _, v := range s.visits {
		if v.Date == today {
			visits = append(visits, v)
		}
	}
	sortNewestFirst(visits)

	out := make([]DispenseItem, 0, len(visits))
	for _, v := range visits {
		p, ok := s.findPatient(v.PatientID)
		if !ok {
			continue
		}
		out = append(out, DispenseItem{Visit: v, Patient: p})
	}
	return out, nil
}

// Dispense marks a visit from today's list dispensed. Dispensing a dispensed
// visit does nothing.
func (s *Session) Dispense(ctx context.Context, visitID string) error {
	today := s.today()
	s.mu.Lock()
	if err := s.require(clinic.RoleDispenser, StateListing); err != nil {
		s.mu.Unlock()
		return err
	}
	var found *clinic.Visit
	for i := range s.visits {
		v := s.visits[i]
		if v.ID != visitID || v.Date != today {
			continue
		}
		if _, ok := s.findPatient(v.PatientID); ok {
			found = &v
		}
		break
	}
	s.mu.Unlock()

	if found == nil {
		return store.UnknownVisit(visitID)
	}
	if found.Status == clinic.StatusDispensed {
		return nil
	}
	if err := s.store.SetVisitStatus(ctx, visitID, clinic.StatusDispensed); err != nil {
		s.log.Warn().Err(err).Str("visit_id", visitID).Msg("dispense failed")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.visits {
		if s.visits[i].ID == visitID {
			s.visits[i].Status = clinic.StatusDispensed
		}
	}
	s.log.Info().Str("visit_id", visitID).Msg("visit dispensed")
	return nil
}
