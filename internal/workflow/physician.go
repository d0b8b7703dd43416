package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samehmaged/Minya-diabetes-system/internal/assistant"
	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/domain/dosage"
)

// Chart is the physician's unsaved visit for the selected patient.
type Chart struct {
	Patient     clinic.Patient
	Diagnosis   string
	Medications []clinic.MedicationItem
	Referral    string
	Summary     string
}

func (c *Chart) clone() Chart {
	out := *c
	out.Medications = slices.Clone(c.Medications)
	return out
}

// Scan opens a chart for the patient whose id was read from a card.
func (s *Session) Scan(raw string) (clinic.Patient, error) {
	return s.openChart(strings.TrimSpace(raw), "scan")
}

// SelectPatient opens a chart for a patient picked from the list.
func (s *Session) SelectPatient(patientID string) (clinic.Patient, error) {
	return s.openChart(patientID, "manual")
}

func (s *Session) openChart(patientID, via string) (clinic.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(clinic.RolePhysician, StateAwaitingPatient); err != nil {
		return clinic.Patient{}, err
	}
	p, ok := s.findPatient(patientID)
	if !ok {
		return clinic.Patient{}, fmt.Errorf("%w: patient %q", clinic.ErrNotFound, patientID)
	}
	s.chart = &Chart{Patient: p}
	s.enter(StateCharting)
	s.log.Debug().Str("patient_id", p.ID).Str("via", via).Msg("chart opened")
	return p, nil
}

// CloseChart discards the chart.
func (s *Session) CloseChart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(clinic.RolePhysician, StateCharting); err != nil {
		return err
	}
	s.resetChart()
	return nil
}

func (s *Session) resetChart() {
	s.chart = nil
	s.releaseAudio()
	s.enter(StateAwaitingPatient)
}

// Chart returns a copy of the open chart.
func (s *Session) Chart() (Chart, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chart == nil {
		return Chart{}, false
	}
	return s.chart.clone(), true
}

func (s *Session) editChart(fn func(c *Chart) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(clinic.RolePhysician, StateCharting); err != nil {
		return err
	}
	return fn(s.chart)
}

func (s *Session) SetDiagnosis(d string) error {
	return s.editChart(func(c *Chart) error {
		c.Diagnosis = strings.TrimSpace(d)
		return nil
	})
}

// SetReferral sets the specialist clinic; empty clears it.
func (s *Session) SetReferral(r string) error {
	return s.editChart(func(c *Chart) error {
		c.Referral = strings.TrimSpace(r)
		return nil
	})
}

// AddMedication computes the quantity for o and appends the line.
func (s *Session) AddMedication(o dosage.Order) (clinic.MedicationItem, error) {
	item, err := dosage.Prescribe(o)
	if err != nil {
		return clinic.MedicationItem{}, err
	}
	err = s.editChart(func(c *Chart) error {
		c.Medications = append(c.Medications, item)
		return nil
	})
	if err != nil {
		return clinic.MedicationItem{}, err
	}
	return item, nil
}

// RemoveMedication drops the line at index i.
func (s *Session) RemoveMedication(i int) error {
	return s.editChart(func(c *Chart) error {
		if i < 0 || i >= len(c.Medications) {
			return clinic.NewValidationError("medication", fmt.Sprintf("index %d out of range", i))
		}
		c.Medications = slices.Delete(c.Medications, i, i+1)
		return nil
	})
}

// Submit saves the chart as a prescribed visit and returns to
// StateAwaitingPatient. On failure nothing is written and the chart stays
// open.
func (s *Session) Submit(ctx context.Context) (clinic.Visit, error) {
	s.mu.Lock()
	if err := s.require(clinic.RolePhysician); err != nil {
		s.mu.Unlock()
		return clinic.Visit{}, err
	}
	if s.current() != StateCharting || s.chart == nil {
		s.mu.Unlock()
		return clinic.Visit{}, clinic.NewValidationError("patient", "no patient selected")
	}
	chart := s.chart
	if chart.Diagnosis == "" {
		s.mu.Unlock()
		return clinic.Visit{}, clinic.NewValidationError("diagnosis", "is required")
	}
	now := s.opts.Now()
	v := clinic.Visit{
		ID:          s.opts.NewID(),
		PatientID:   chart.Patient.ID,
		Date:        now.In(s.opts.Location).Format(clinic.DateLayout),
		CreatedAt:   now.UTC().Format(time.RFC3339Nano),
		Diagnosis:   chart.Diagnosis,
		Medications: slices.Clone(chart.Medications),
		Referral:    chart.Referral,
		DoctorName:  s.opts.DoctorName,
		Status:      clinic.StatusPrescribed,
	}
	if v.Medications == nil {
		v.Medications = []clinic.MedicationItem{}
	}
	s.mu.Unlock()

	if err := s.store.CreateVisit(ctx, v); err != nil {
		s.log.Warn().Err(err).Str("patient_id", v.PatientID).Msg("prescription not saved")
		return clinic.Visit{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertVisit(v)
	if s.chart == chart {
		s.resetChart()
	}
	s.log.Info().Str("visit_id", v.ID).Str("patient_id", v.PatientID).Int("medications", len(v.Medications)).Msg("prescription saved")
	return v, nil
}

// Summarize asks the assistant for a summary of the open chart and keeps it
// on the chart.
func (s *Session) Summarize(ctx context.Context) (string, error) {
	if s.opts.Summarizer == nil {
		return "", assistant.ErrDisabled
	}
	s.mu.Lock()
	if err := s.require(clinic.RolePhysician, StateCharting); err != nil {
		s.mu.Unlock()
		return "", err
	}
	chart := s.chart
	note := assistant.Note{
		PatientName: chart.Patient.Name,
		Age:         chart.Patient.Age,
		Diagnosis:   chart.Diagnosis,
	}
	for _, m := range chart.Medications {
		note.Medications = append(note.Medications, fmt.Sprintf("%s (%s)", m.Name, m.Quantity))
	}
	s.mu.Unlock()

	text, err := s.opts.Summarizer.Summarize(ctx, note)
	if err != nil {
		s.log.Warn().Err(err).Msg("assistant summary failed")
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chart == chart {
		chart.Summary = text
	}
	return text, nil
}

// Speak reads the chart summary aloud. The session holds the audio until
// the chart closes, the next Speak, or logout.
func (s *Session) Speak(ctx context.Context) (*assistant.Audio, error) {
	if s.opts.Speaker == nil {
		return nil, assistant.ErrDisabled
	}
	s.mu.Lock()
	if err := s.require(clinic.RolePhysician, StateCharting); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	chart := s.chart
	text := chart.Summary
	s.mu.Unlock()
	if text == "" {
		return nil, clinic.NewValidationError("summary", "is empty, summarize first")
	}

	audio, err := s.opts.Speaker.Speak(ctx, text)
	if err != nil {
		s.log.Warn().Err(err).Msg("assistant speech failed")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chart != chart {
		audio.Release()
		return nil, fmt.Errorf("%w: chart closed", clinic.ErrWrongState)
	}
	s.releaseAudio()
	s.audio = audio
	return audio, nil
}

// StopAudio releases held audio, if any.
func (s *Session) StopAudio() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseAudio()
}
