package workflow

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/domain/dosage"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/websocket"
	"github.com/samehmaged/Minya-diabetes-system/internal/store/local"
	"github.com/samehmaged/Minya-diabetes-system/internal/store/replicated"
	"github.com/samehmaged/Minya-diabetes-system/internal/syncserver"
)

func startSyncServer(t *testing.T) string {
	t.Helper()
	repo, err := local.OpenStorage(storage.NewMemStorage(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	hub := websocket.NewHub(zerolog.Nop())
	svc := syncserver.NewService(repo, hub, nil, nil, zerolog.Nop())
	e := echo.New()
	syncserver.NewHandler(svc, hub).RegisterRoutes(e.Group("/api/v1"))
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
		repo.Close()
	})
	return srv.URL
}

func replicatedApp(t *testing.T, url string) *App {
	t.Helper()
	st, err := replicated.New(url, zerolog.Nop(), replicated.Options{MinBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("replicated.New: %v", err)
	}
	app := New(Options{Store: st, Logger: zerolog.Nop(), DoctorName: "Dr. Amr Al-Kadi"})
	t.Cleanup(func() {
		app.Logout()
		st.Close()
	})
	return app
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Three clients on one server walk a patient from registration to
// dispensing, each seeing the others' writes through pushed snapshots.
func TestReplicated_ClinicDay(t *testing.T) {
	url := startSyncServer(t)
	ctx := context.Background()

	front := replicatedApp(t, url)
	reg, err := front.Login(ctx, "admin", "admin")
	if err != nil {
		t.Fatalf("admin login: %v", err)
	}
	reg.OpenStaff()
	if _, err := reg.CreateStaff(ctx, StaffForm{Name: "Doctor", Username: "doc", Password: "pw", Role: clinic.RolePhysician}); err != nil {
		t.Fatalf("CreateStaff doc: %v", err)
	}
	if _, err := reg.CreateStaff(ctx, StaffForm{Name: "Pharmacist", Username: "pharm", Password: "pw", Role: clinic.RoleDispenser}); err != nil {
		t.Fatalf("CreateStaff pharm: %v", err)
	}
	reg.CloseStaff()

	clinicApp := replicatedApp(t, url)
	doc, err := clinicApp.Login(ctx, "doc", "pw")
	if err != nil {
		t.Fatalf("doc login: %v", err)
	}
	pharmacy := replicatedApp(t, url)
	pharm, err := pharmacy.Login(ctx, "pharm", "pw")
	if err != nil {
		t.Fatalf("pharm login: %v", err)
	}
	p, err := reg.RegisterPatient(ctx, Registration{Name: "Mona Hassan", NationalID: "29901011234567", Age: 54, Gender: clinic.GenderFemale})
	if err != nil {
		t.Fatalf("RegisterPatient: %v", err)
	}

	eventually(t, "patient on physician screen", func() bool {
		_, ok := doc.Patient(p.ID)
		return ok
	})
	if _, err := doc.Scan(p.ID); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	doc.SetDiagnosis(clinic.Diagnoses[1])
	doc.AddMedication(dosage.Order{Name: "Insulin Lantus", Type: clinic.MedicationInsulin, Units: 20, TimesPerDay: 2, DurationDays: 30})
	v, err := doc.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	eventually(t, "visit on dispenser list", func() bool {
		items, _ := pharm.TodaysVisits()
		return len(items) == 1 && items[0].Visit.ID == v.ID && items[0].Patient.ID == p.ID
	})
	if err := pharm.Dispense(ctx, v.ID); err != nil {
		t.Fatalf("Dispense: %v", err)
	}

	eventually(t, "dispensed status at registrar", func() bool {
		return reg.Stats().PendingPharmacy == 0 && len(reg.PatientHistory(p.ID)) == 1 &&
			reg.PatientHistory(p.ID)[0].Status == clinic.StatusDispensed
	})
}
