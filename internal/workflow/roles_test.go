package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/samehmaged/Minya-diabetes-system/internal/archive"
	"github.com/samehmaged/Minya-diabetes-system/internal/assistant"
	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/domain/dosage"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/blobstore"
	"github.com/samehmaged/Minya-diabetes-system/internal/store"
)

// drain discards the signal left by the initial snapshots.
func drain(s *Session) {
	select {
	case <-s.Updates():
	default:
	}
}

func waitUpdate(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("no cache update")
	}
}

// -- Physician --

func TestPhysician_ChartAndSubmit(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "doc", clinic.RolePhysician)
	p := f.seedPatient(t, "p-1")
	s := f.login(t, "doc", "pw")
	ctx := context.Background()

	if _, err := s.Submit(ctx); !errors.Is(err, clinic.ErrValidation) {
		t.Fatalf("submit without patient: expected ErrValidation, got %v", err)
	}
	if _, err := s.Scan("unknown-id"); !errors.Is(err, clinic.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.State() != StateAwaitingPatient {
		t.Fatalf("failed scan must not change state, got %s", s.State())
	}

	if _, err := s.Scan(" p-1\n"); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if s.State() != StateCharting {
		t.Fatalf("expected charting, got %s", s.State())
	}

	insulin, err := s.AddMedication(dosage.Order{Name: "Insulin Lantus", Type: clinic.MedicationInsulin, Units: 20, TimesPerDay: 2, DurationDays: 30})
	if err != nil {
		t.Fatalf("AddMedication: %v", err)
	}
	if insulin.Quantity != "4 pens (1200 units)" {
		t.Errorf("unexpected quantity %s", insulin.Quantity)
	}
	s.AddMedication(dosage.Order{Name: "Aspirin 75mg", Type: clinic.MedicationTablet, TimesPerDay: 1, DurationDays: 30})
	s.AddMedication(dosage.Order{Name: "Metformin 500mg", Type: clinic.MedicationTablet, TimesPerDay: 3, DurationDays: 10})
	if _, err := s.AddMedication(dosage.Order{Name: "", Type: clinic.MedicationTablet, TimesPerDay: 1, DurationDays: 1}); !errors.Is(err, clinic.ErrValidation) {
		t.Errorf("expected ErrValidation for empty name, got %v", err)
	}
	if err := s.RemoveMedication(1); err != nil {
		t.Fatalf("RemoveMedication: %v", err)
	}
	if err := s.RemoveMedication(5); !errors.Is(err, clinic.ErrValidation) {
		t.Errorf("expected ErrValidation for bad index, got %v", err)
	}
	s.SetReferral(clinic.SpecialistClinics[0])

	if _, err := s.Submit(ctx); !errors.Is(err, clinic.ErrValidation) {
		t.Fatalf("submit without diagnosis: expected ErrValidation, got %v", err)
	}
	if visits, _ := f.store.ListVisits(ctx); len(visits) != 0 {
		t.Fatal("rejected submit must not write")
	}

	s.SetDiagnosis(clinic.Diagnoses[1])
	v, err := s.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if v.PatientID != p.ID || v.Date != "2025-03-14" || v.Status != clinic.StatusPrescribed || v.DoctorName != "Dr. Amr Al-Kadi" {
		t.Errorf("unexpected visit %+v", v)
	}
	if len(v.Medications) != 2 || v.Medications[1].Name != "Metformin 500mg" || v.Medications[1].Quantity != "30 tablets" {
		t.Errorf("unexpected medications %+v", v.Medications)
	}
	if s.State() != StateAwaitingPatient {
		t.Errorf("expected awaiting patient, got %s", s.State())
	}
	if _, ok := s.Chart(); ok {
		t.Error("chart must be cleared after submit")
	}
	if h := s.PatientHistory(p.ID); len(h) != 1 || h[0].ID != v.ID {
		t.Errorf("history not updated: %+v", h)
	}
}

func TestPhysician_FailedSubmitKeepsChart(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "doc", clinic.RolePhysician)
	f.seedPatient(t, "p-1")
	s := f.login(t, "doc", "pw")

	s.SelectPatient("p-1")
	s.SetDiagnosis("Type 2")
	f.store.createVisitErr = clinic.ErrBackendUnavailable
	if _, err := s.Submit(context.Background()); !errors.Is(err, clinic.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	c, ok := s.Chart()
	if !ok || c.Diagnosis != "Type 2" || s.State() != StateCharting {
		t.Errorf("chart must survive a failed submit: %+v %s", c, s.State())
	}
}

func TestPhysician_SnapshotDoesNotClobberChart(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "doc", clinic.RolePhysician)
	p := f.seedPatient(t, "p-1")
	s := f.login(t, "doc", "pw")

	s.SelectPatient("p-1")
	s.SetDiagnosis("Type 1")
	s.AddMedication(dosage.DefaultOrder("Insulin Mixtard 30/70"))

	drain(s)
	other := clinic.Patient{ID: "p-2", Name: "Other", NationalID: "2", RegistrationDate: "2025-03-14T09:00:00Z"}
	f.store.push(store.Snapshot{Collection: store.Patients, Patients: []clinic.Patient{p, other}})
	f.store.push(store.Snapshot{Collection: store.Visits, Visits: nil})
	waitUpdate(t, s)

	if _, ok := s.Patient("p-2"); !ok {
		t.Error("pushed patient missing from cache")
	}
	c, ok := s.Chart()
	if !ok || c.Diagnosis != "Type 1" || len(c.Medications) != 1 || c.Patient.ID != "p-1" {
		t.Errorf("chart clobbered: %+v", c)
	}
}

type fakeSummarizer struct{ notes []assistant.Note }

func (f *fakeSummarizer) Summarize(_ context.Context, n assistant.Note) (string, error) {
	f.notes = append(f.notes, n)
	return "ملخص", nil
}

type fakeSpeaker struct{ audio []*assistant.Audio }

func (f *fakeSpeaker) Speak(_ context.Context, text string) (*assistant.Audio, error) {
	a := &assistant.Audio{PCM: []byte(text), SampleRate: assistant.SpeechSampleRate, Channels: 1}
	f.audio = append(f.audio, a)
	return a, nil
}

func TestPhysician_AssistantOptional(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "doc", clinic.RolePhysician)
	f.seedPatient(t, "p-1")
	s := f.login(t, "doc", "pw")
	s.SelectPatient("p-1")

	if _, err := s.Summarize(context.Background()); !errors.Is(err, assistant.ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
	if _, err := s.Speak(context.Background()); !errors.Is(err, assistant.ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
	s.SetDiagnosis("Type 2")
	if _, err := s.Submit(context.Background()); err != nil {
		t.Fatalf("submit must work without the assistant: %v", err)
	}
}

func TestPhysician_AssistantAudioReleasedOnLogout(t *testing.T) {
	f := newFixture(t)
	sum, spk := &fakeSummarizer{}, &fakeSpeaker{}
	f.app.opts.Summarizer = sum
	f.app.opts.Speaker = spk
	f.seedUser(t, "doc", clinic.RolePhysician)
	f.seedPatient(t, "p-1")
	s := f.login(t, "doc", "pw")
	ctx := context.Background()

	s.SelectPatient("p-1")
	s.SetDiagnosis("Type 2")
	s.AddMedication(dosage.DefaultOrder("Insulin Lantus"))
	if _, err := s.Speak(ctx); !errors.Is(err, clinic.ErrValidation) {
		t.Errorf("speak before summary: expected ErrValidation, got %v", err)
	}

	text, err := s.Summarize(ctx)
	if err != nil || text != "ملخص" {
		t.Fatalf("Summarize: %q %v", text, err)
	}
	if n := sum.notes[0]; n.Age != 60 || !strings.Contains(n.Medications[0], "Insulin Lantus (2 pens (600 units))") {
		t.Errorf("unexpected note %+v", n)
	}
	if c, _ := s.Chart(); c.Summary != "ملخص" {
		t.Errorf("summary not kept on chart: %+v", c)
	}

	first, err := s.Speak(ctx)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	second, _ := s.Speak(ctx)
	if !first.Released() || second.Released() {
		t.Error("a new recording must release the previous one")
	}

	f.app.Logout()
	if !second.Released() {
		t.Error("logout must release held audio")
	}
}

// -- Dispenser --

func TestDispenser_TodaysVisitsAndDispense(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "pharm", clinic.RoleDispenser)
	f.seedPatient(t, "p-1")
	f.seedVisit(t, "v-yesterday", "p-1", "2025-03-13", "2025-03-13T21:59:00Z")
	f.seedVisit(t, "v-early", "p-1", "2025-03-14", "2025-03-13T22:01:00Z")
	f.seedVisit(t, "v-late", "p-1", "2025-03-14", "2025-03-14T07:00:00Z")
	f.seedVisit(t, "v-tomorrow", "p-1", "2025-03-15", "2025-03-14T22:30:00Z")
	s := f.login(t, "pharm", "pw")
	ctx := context.Background()

	items, err := s.TodaysVisits()
	if err != nil {
		t.Fatalf("TodaysVisits: %v", err)
	}
	if len(items) != 2 || items[0].Visit.ID != "v-late" || items[1].Visit.ID != "v-early" {
		t.Fatalf("unexpected list %+v", items)
	}
	if items[0].Patient.ID != "p-1" || !items[0].Dispensable() {
		t.Errorf("unexpected item %+v", items[0])
	}

	if err := s.Dispense(ctx, "v-late"); err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	if err := s.Dispense(ctx, "v-late"); err != nil {
		t.Fatalf("repeat Dispense: %v", err)
	}
	if f.store.statusCalls != 1 {
		t.Errorf("repeat dispense must not reach the store, got %d calls", f.store.statusCalls)
	}
	items, _ = s.TodaysVisits()
	if items[0].Dispensable() {
		t.Error("dispensed visit must expose no action")
	}
	stored, _ := f.store.ListVisits(ctx)
	for _, v := range stored {
		if v.ID == "v-late" && v.Status != clinic.StatusDispensed {
			t.Errorf("status not persisted: %+v", v)
		}
	}

	if err := s.Dispense(ctx, "nope"); !errors.Is(err, clinic.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDispenser_UnknownPatientExcluded(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "pharm", clinic.RoleDispenser)
	s := f.login(t, "pharm", "pw")

	drain(s)
	orphan := clinic.Visit{ID: "v-1", PatientID: "ghost", Date: "2025-03-14", Diagnosis: "x", Status: clinic.StatusPrescribed}
	f.store.push(store.Snapshot{Collection: store.Visits, Visits: []clinic.Visit{orphan}})
	waitUpdate(t, s)

	items, err := s.TodaysVisits()
	if err != nil {
		t.Fatalf("TodaysVisits: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("visit of unknown patient must not be listed, got %+v", items)
	}
	if err := s.Dispense(context.Background(), "v-1"); !errors.Is(err, clinic.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if f.store.statusCalls != 0 {
		t.Errorf("store must not be touched, got %d calls", f.store.statusCalls)
	}
}

func TestDispenser_OnlyTodaysVisitsDispensable(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "pharm", clinic.RoleDispenser)
	f.seedPatient(t, "p-1")
	f.seedVisit(t, "v-old", "p-1", "2000-01-01", "2000-01-01T08:00:00Z")
	f.seedVisit(t, "v-tomorrow", "p-1", "2025-03-15", "2025-03-14T22:30:00Z")
	s := f.login(t, "pharm", "pw")
	ctx := context.Background()

	if items, _ := s.TodaysVisits(); len(items) != 0 {
		t.Fatalf("unexpected list %+v", items)
	}
	for _, id := range []string{"v-old", "v-tomorrow"} {
		if err := s.Dispense(ctx, id); !errors.Is(err, clinic.ErrNotFound) {
			t.Errorf("Dispense(%s): expected ErrNotFound, got %v", id, err)
		}
	}
	if f.store.statusCalls != 0 {
		t.Errorf("store must not be touched, got %d calls", f.store.statusCalls)
	}
	stored, _ := f.store.ListVisits(ctx)
	for _, v := range stored {
		if v.Status != clinic.StatusPrescribed {
			t.Errorf("visit %s changed to %s", v.ID, v.Status)
		}
	}
}

// -- Archive --

func TestRegistrar_ExportArchive(t *testing.T) {
	f := newFixture(t)
	f.seedPatient(t, "p-1")
	f.seedVisit(t, "v-1", "p-1", "2025-03-14", "2025-03-14T07:00:00Z")
	s := f.login(t, "admin", "admin")

	blobs := blobstore.NewInMemoryStore()
	res, err := s.ExportArchive(context.Background(), archive.NewExporter(blobs, zerolog.Nop()))
	if err != nil {
		t.Fatalf("ExportArchive: %v", err)
	}
	if res.Name != "Minya_Clinic_FULL_ARCHIVE_2025-03-14.csv" {
		t.Errorf("unexpected name %s", res.Name)
	}
	if !strings.Contains(string(res.Content), "\nv-1,2025-03-14,Patient p-1,'299p-1,60,") {
		t.Errorf("unexpected archive:\n%s", res.Content)
	}
	if objs, _ := blobs.List(context.Background(), blobstore.ArchivePrefix); len(objs) != 1 {
		t.Errorf("expected uploaded archive, got %d", len(objs))
	}
}
