// Package storetest is the behavioral contract every store.Store backend
// must pass. Backend tests call Run with a constructor for a fresh, empty
// store.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/domain/dosage"
	"github.com/samehmaged/Minya-diabetes-system/internal/store"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the full contract against stores built by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"PatientRoundTrip", testPatientRoundTrip},
		{"DuplicatePatient", testDuplicatePatient},
		{"InvalidPatient", testInvalidPatient},
		{"VisitRoundTrip", testVisitRoundTrip},
		{"VisitRequiresPatient", testVisitRequiresPatient},
		{"VisitRejectsEditedQuantity", testVisitRejectsEditedQuantity},
		{"DuplicateVisit", testDuplicateVisit},
		{"SetVisitStatus", testSetVisitStatus},
		{"SetVisitStatusUnknown", testSetVisitStatusUnknown},
		{"Users", testUsers},
		{"DeleteProtectedUser", testDeleteProtectedUser},
		{"SubscribeInitialSnapshot", testSubscribeInitialSnapshot},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			tc.fn(t, s)
		})
	}
}

// SamplePatient returns a valid patient with the given id.
func SamplePatient(id string) clinic.Patient {
	return clinic.Patient{
		ID:               id,
		Name:             "Mona Hassan",
		NationalID:       "29901011234567",
		Age:              54,
		Gender:           clinic.GenderFemale,
		RegistrationDate: "2025-03-14T08:30:00Z",
	}
}

// SampleVisit returns a valid prescribed visit for patientID with one
// insulin and one tablet line.
func SampleVisit(id, patientID, date string) clinic.Visit {
	insulin, _ := dosage.Prescribe(dosage.Order{Name: "Insulin Lantus", Type: clinic.MedicationInsulin, Units: 20, TimesPerDay: 2, DurationDays: 30})
	tablet, _ := dosage.Prescribe(dosage.Order{Name: "Metformin 500mg", Type: clinic.MedicationTablet, TimesPerDay: 3, DurationDays: 10})
	return clinic.Visit{
		ID:          id,
		PatientID:   patientID,
		Date:        date,
		CreatedAt:   date + "T09:00:00Z",
		Diagnosis:   clinic.Diagnoses[1],
		Medications: []clinic.MedicationItem{insulin, tablet},
		Referral:    clinic.SpecialistClinics[0],
		DoctorName:  "Dr. Amr Al-Kadi",
		Status:      clinic.StatusPrescribed,
	}
}

func testPatientRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := SamplePatient("p-1")
	if err := s.CreatePatient(ctx, p); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	got, err := s.ListPatients(ctx)
	if err != nil {
		t.Fatalf("ListPatients: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 patient, got %d", len(got))
	}
	if !reflect.DeepEqual(got[0], p) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got[0], p)
	}
}

func testDuplicatePatient(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreatePatient(ctx, SamplePatient("p-1")); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	dup := SamplePatient("p-1")
	dup.Name = "Someone Else"
	if err := s.CreatePatient(ctx, dup); !errors.Is(err, clinic.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	got, _ := s.ListPatients(ctx)
	if len(got) != 1 || got[0].Name != "Mona Hassan" {
		t.Errorf("duplicate create must not overwrite, got %+v", got)
	}
}

func testInvalidPatient(t *testing.T, s store.Store) {
	p := SamplePatient("p-1")
	p.NationalID = ""
	if err := s.CreatePatient(context.Background(), p); !errors.Is(err, clinic.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	got, _ := s.ListPatients(context.Background())
	if len(got) != 0 {
		t.Errorf("invalid patient must not be written, got %d", len(got))
	}
}

func testVisitRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreatePatient(ctx, SamplePatient("p-1")); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	v := SampleVisit("v-1", "p-1", "2025-03-14")
	if err := s.CreateVisit(ctx, v); err != nil {
		t.Fatalf("CreateVisit: %v", err)
	}
	empty := SampleVisit("v-2", "p-1", "2025-03-14")
	empty.CreatedAt = "2025-03-14T10:00:00Z"
	empty.Medications = []clinic.MedicationItem{}
	empty.Referral = ""
	if err := s.CreateVisit(ctx, empty); err != nil {
		t.Fatalf("CreateVisit(no meds): %v", err)
	}

	got, err := s.ListVisits(ctx)
	if err != nil {
		t.Fatalf("ListVisits: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 visits, got %d", len(got))
	}
	if !reflect.DeepEqual(got[0], v) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got[0], v)
	}
	if got[0].Medications[0].Name != "Insulin Lantus" || got[0].Medications[1].Name != "Metformin 500mg" {
		t.Errorf("medication order not preserved: %+v", got[0].Medications)
	}
	if len(got[1].Medications) != 0 || got[1].Referral != "" {
		t.Errorf("unexpected medication-less visit %+v", got[1])
	}
}

func testVisitRequiresPatient(t *testing.T, s store.Store) {
	err := s.CreateVisit(context.Background(), SampleVisit("v-1", "ghost", "2025-03-14"))
	if !errors.Is(err, clinic.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testVisitRejectsEditedQuantity(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreatePatient(ctx, SamplePatient("p-1")); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	v := SampleVisit("v-1", "p-1", "2025-03-14")
	v.Medications[1].Quantity = "99 tablets"
	if err := s.CreateVisit(ctx, v); !errors.Is(err, clinic.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func testDuplicateVisit(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreatePatient(ctx, SamplePatient("p-1")); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	if err := s.CreateVisit(ctx, SampleVisit("v-1", "p-1", "2025-03-14")); err != nil {
		t.Fatalf("CreateVisit: %v", err)
	}
	if err := s.CreateVisit(ctx, SampleVisit("v-1", "p-1", "2025-03-15")); !errors.Is(err, clinic.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func testSetVisitStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreatePatient(ctx, SamplePatient("p-1")); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	if err := s.CreateVisit(ctx, SampleVisit("v-1", "p-1", "2025-03-14")); err != nil {
		t.Fatalf("CreateVisit: %v", err)
	}
	if err := s.SetVisitStatus(ctx, "v-1", clinic.StatusDispensed); err != nil {
		t.Fatalf("SetVisitStatus: %v", err)
	}
	if err := s.SetVisitStatus(ctx, "v-1", clinic.StatusDispensed); err != nil {
		t.Fatalf("repeating dispensed must be a no-op, got %v", err)
	}
	if err := s.SetVisitStatus(ctx, "v-1", clinic.StatusPrescribed); !errors.Is(err, clinic.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := s.ListVisits(ctx)
	if len(got) != 1 || got[0].Status != clinic.StatusDispensed {
		t.Fatalf("expected one dispensed visit, got %+v", got)
	}
	want := SampleVisit("v-1", "p-1", "2025-03-14")
	want.Status = clinic.StatusDispensed
	if !reflect.DeepEqual(got[0], want) {
		t.Errorf("status change touched other fields:\n got %+v\nwant %+v", got[0], want)
	}
}

func testSetVisitStatusUnknown(t *testing.T, s store.Store) {
	err := s.SetVisitStatus(context.Background(), "missing", clinic.StatusDispensed)
	if !errors.Is(err, clinic.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	doc := clinic.AppUser{ID: "u-1", Name: "Dr. Amr", Username: "amr", Password: "pw", Role: clinic.RolePhysician}
	if err := s.CreateUser(ctx, doc); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	clash := clinic.AppUser{ID: "u-2", Name: "Other", Username: "amr", Password: "x", Role: clinic.RoleDispenser}
	if err := s.CreateUser(ctx, clash); !errors.Is(err, clinic.ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}
	if err := s.CreateUser(ctx, doc); !errors.Is(err, clinic.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 || !reflect.DeepEqual(users[0], doc) {
		t.Fatalf("unexpected users %+v", users)
	}

	if err := s.DeleteUser(ctx, "u-1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := s.DeleteUser(ctx, "u-1"); !errors.Is(err, clinic.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	users, _ = s.ListUsers(ctx)
	if len(users) != 0 {
		t.Errorf("expected no users, got %+v", users)
	}
}

func testDeleteProtectedUser(t *testing.T, s store.Store) {
	ctx := context.Background()
	stored := clinic.AppUser{ID: "u-admin", Name: "Head", Username: clinic.BootstrapUsername, Password: "pw", Role: clinic.RoleRegistrar}
	if err := s.CreateUser(ctx, stored); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.DeleteUser(ctx, "u-admin"); !errors.Is(err, clinic.ErrProtectedUser) {
		t.Fatalf("expected ErrProtectedUser, got %v", err)
	}
	if err := s.DeleteUser(ctx, clinic.BootstrapUser.ID); !errors.Is(err, clinic.ErrProtectedUser) {
		t.Fatalf("expected ErrProtectedUser for bootstrap id, got %v", err)
	}
	users, _ := s.ListUsers(ctx)
	if len(users) != 1 {
		t.Errorf("protected user must remain, got %+v", users)
	}
}

func testSubscribeInitialSnapshot(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreatePatient(ctx, SamplePatient("p-1")); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}

	snaps := make(chan store.Snapshot, 16)
	cancel, err := s.Subscribe(ctx, store.Patients, func(snap store.Snapshot) { snaps <- snap })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	snap := WaitSnapshot(t, snaps, func(s store.Snapshot) bool { return s.Len() == 1 })
	if snap.Collection != store.Patients {
		t.Errorf("expected patients snapshot, got %s", snap.Collection)
	}
	if !reflect.DeepEqual(snap.Patients[0], SamplePatient("p-1")) {
		t.Errorf("unexpected snapshot content %+v", snap.Patients)
	}
}

// WaitSnapshot reads from ch until match accepts a snapshot or two seconds
// pass.
func WaitSnapshot(t *testing.T, ch <-chan store.Snapshot, match func(store.Snapshot) bool) store.Snapshot {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if match(snap) {
				return snap
			}
		case <-timeout:
			t.Fatal("timed out waiting for snapshot")
			return store.Snapshot{}
		}
	}
}
