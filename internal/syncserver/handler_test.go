package syncserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/store"
	"github.com/samehmaged/Minya-diabetes-system/internal/store/storetest"
)

func newTestServer(t *testing.T) (*echo.Echo, *fixture) {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	NewHandler(f.svc, f.hub).RegisterRoutes(e.Group("/api/v1"))
	return e, f
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHandler_CreateAndListPatients(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(e, http.MethodPost, "/api/v1/patients", mustJSON(t, storetest.SamplePatient("p-1")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	rec = do(e, http.MethodGet, "/api/v1/patients", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var m store.PatientMap
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["p-1"].NationalID != "29901011234567" {
		t.Errorf("unexpected patients %v", m)
	}
}

func TestHandler_DuplicatePatient(t *testing.T) {
	e, _ := newTestServer(t)
	body := mustJSON(t, storetest.SamplePatient("p-1"))
	do(e, http.MethodPost, "/api/v1/patients", body)

	rec := do(e, http.MethodPost, "/api/v1/patients", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Code != CodeDuplicateID {
		t.Errorf("expected duplicate_id, got %+v", got)
	}
}

func TestHandler_MalformedBody(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(e, http.MethodPost, "/api/v1/visits", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Code != CodeValidation {
		t.Errorf("expected validation, got %+v", got)
	}
}

func TestHandler_VisitLifecycle(t *testing.T) {
	e, _ := newTestServer(t)
	do(e, http.MethodPost, "/api/v1/patients", mustJSON(t, storetest.SamplePatient("p-1")))

	rec := do(e, http.MethodPost, "/api/v1/visits", mustJSON(t, storetest.SampleVisit("v-1", "p-1", "2025-03-14")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	rec = do(e, http.MethodPut, "/api/v1/visits/v-1/status", `{"status":"dispensed"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body)
	}

	rec = do(e, http.MethodPut, "/api/v1/visits/v-1/status", `{"status":"prescribed"}`)
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != CodeInvalidTransition {
		t.Fatalf("expected invalid_transition, got %d: %s", rec.Code, rec.Body)
	}

	rec = do(e, http.MethodPut, "/api/v1/visits/nope/status", `{"status":"dispensed"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/api/v1/visits", "")
	var m store.VisitMap
	json.Unmarshal(rec.Body.Bytes(), &m)
	if m["v-1"].Status != clinic.StatusDispensed {
		t.Errorf("unexpected visits %v", m)
	}
}

func TestHandler_Users(t *testing.T) {
	e, _ := newTestServer(t)
	u := clinic.AppUser{ID: "u-1", Name: "Admin", Username: "admin", Password: "pw", Role: clinic.RoleRegistrar}
	if rec := do(e, http.MethodPost, "/api/v1/users", mustJSON(t, u)); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	clash := clinic.AppUser{ID: "u-2", Name: "X", Username: "admin", Password: "pw", Role: clinic.RolePhysician}
	rec := do(e, http.MethodPost, "/api/v1/users", mustJSON(t, clash))
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != CodeDuplicateUsername {
		t.Fatalf("expected duplicate_username, got %d: %s", rec.Code, rec.Body)
	}

	rec = do(e, http.MethodDelete, "/api/v1/users/u-1", "")
	if rec.Code != http.StatusForbidden || decodeError(t, rec).Code != CodeProtectedUser {
		t.Fatalf("expected protected_user, got %d: %s", rec.Code, rec.Body)
	}

	rec = do(e, http.MethodDelete, "/api/v1/users/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestClassifyAndSentinel(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{clinic.ErrDuplicateUsername, http.StatusConflict, CodeDuplicateUsername},
		{fmt.Errorf("wrapped: %w", clinic.ErrDuplicateID), http.StatusConflict, CodeDuplicateID},
		{clinic.ErrInvalidTransition, http.StatusConflict, CodeInvalidTransition},
		{clinic.ErrProtectedUser, http.StatusForbidden, CodeProtectedUser},
		{store.UnknownVisit("v-9"), http.StatusNotFound, CodeNotFound},
		{clinic.NewValidationError("name", "is required"), http.StatusBadRequest, CodeValidation},
		{errors.New("disk full"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		status, code := Classify(tt.err)
		if status != tt.status || code != tt.code {
			t.Errorf("Classify(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
		}
		if code == CodeInternal {
			if !errors.Is(Sentinel(code), clinic.ErrBackendUnavailable) {
				t.Errorf("internal must map to ErrBackendUnavailable")
			}
			continue
		}
		if !errors.Is(tt.err, Sentinel(code)) {
			t.Errorf("Sentinel(%s) does not match %v", code, tt.err)
		}
	}
}

func TestHandler_ExportArchive(t *testing.T) {
	e, _ := newTestServer(t)
	do(e, http.MethodPost, "/api/v1/patients", mustJSON(t, storetest.SamplePatient("p-1")))
	do(e, http.MethodPost, "/api/v1/visits", mustJSON(t, storetest.SampleVisit("v-1", "p-1", "2025-03-14")))

	rec := do(e, http.MethodGet, "/api/v1/archive", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); !strings.Contains(cd, "Minya_Clinic_FULL_ARCHIVE_") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "\uFEFFVisitID,") || !strings.Contains(body, "\nv-1,2025-03-14,") {
		t.Errorf("unexpected archive %q", body)
	}
}
