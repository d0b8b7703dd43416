// Package clinic holds the entity model shared by every layer of the
// clinic workflow: patients, visits with their medication orders, and the
// staff accounts that operate the system.
package clinic

import (
	"strings"
)

// Role is the job a staff account performs in the clinic.
type Role string

const (
	RoleRegistrar Role = "registrar"
	RolePhysician Role = "physician"
	RoleDispenser Role = "dispenser"
)

var validRoles = map[Role]bool{
	RoleRegistrar: true,
	RolePhysician: true,
	RoleDispenser: true,
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return validRoles[r] }

// MedicationType drives how the dispensable quantity is computed.
type MedicationType string

const (
	MedicationTablet  MedicationType = "tablet"
	MedicationInsulin MedicationType = "insulin"
	MedicationOther   MedicationType = "other"
)

var validMedicationTypes = map[MedicationType]bool{
	MedicationTablet:  true,
	MedicationInsulin: true,
	MedicationOther:   true,
}

// Valid reports whether t is one of the known medication types.
func (t MedicationType) Valid() bool { return validMedicationTypes[t] }

// VisitStatus tracks whether a prescription has been handed to the patient.
type VisitStatus string

const (
	StatusPrescribed VisitStatus = "prescribed"
	StatusDispensed  VisitStatus = "dispensed"
)

var statusRank = map[VisitStatus]int{
	StatusPrescribed: 0,
	StatusDispensed:  1,
}

// Valid reports whether s is a known visit status.
func (s VisitStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CheckTransition returns nil when a visit may move from one status to
// another. Moving to the current status is allowed and is a no-op for the
// caller; moving backward is ErrInvalidTransition.
func CheckTransition(from, to VisitStatus) error {
	if !to.Valid() {
		return NewValidationError("status", "unknown status "+string(to))
	}
	if statusRank[to] < statusRank[from] {
		return ErrInvalidTransition
	}
	return nil
}

// Gender of a registered patient.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Patient is created once by the registrar and never mutated. ID is the only
// key that joins visits to patients; NationalID is what the clinic prints.
type Patient struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	NationalID       string `json:"nationalId"`
	Age              int    `json:"age"`
	Gender           Gender `json:"gender"`
	RegistrationDate string `json:"registrationDate"`
}

// Validate checks the fields required at registration.
func (p Patient) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return NewValidationError("id", "is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return NewValidationError("name", "is required")
	}
	if strings.TrimSpace(p.NationalID) == "" {
		return NewValidationError("nationalId", "is required")
	}
	if p.Age < 0 {
		return NewValidationError("age", "must not be negative")
	}
	if p.Gender != "" && p.Gender != GenderMale && p.Gender != GenderFemale {
		return NewValidationError("gender", "must be male or female")
	}
	return nil
}

// MedicationItem is one prescribed drug line. Quantity is derived from
// Units, Frequency and Duration and is never edited on its own.
type MedicationItem struct {
	Name      string         `json:"name"`
	Type      MedicationType `json:"type"`
	Dosage    string         `json:"dosage"`
	Units     int            `json:"units,omitempty"`
	Frequency string         `json:"frequency"`
	Duration  string         `json:"duration"`
	Quantity  string         `json:"quantity"`
	Notes     string         `json:"notes,omitempty"`
}

// Visit is one clinical encounter. Everything but Status is fixed at
// creation.
type Visit struct {
	ID          string           `json:"id"`
	PatientID   string           `json:"patientId"`
	Date        string           `json:"date"`
	CreatedAt   string           `json:"createdAt,omitempty"`
	Diagnosis   string           `json:"diagnosis"`
	Medications []MedicationItem `json:"medications"`
	Referral    string           `json:"referral,omitempty"`
	DoctorName  string           `json:"doctorName"`
	Status      VisitStatus      `json:"status"`
}

// DateLayout is the calendar-day format of Visit.Date.
const DateLayout = "2006-01-02"

// Validate checks the structural invariants of a visit. Referential checks
// (the patient must exist) belong to whoever owns the patient collection.
func (v Visit) Validate() error {
	if strings.TrimSpace(v.ID) == "" {
		return NewValidationError("id", "is required")
	}
	if strings.TrimSpace(v.PatientID) == "" {
		return NewValidationError("patientId", "is required")
	}
	if !isCalendarDay(v.Date) {
		return NewValidationError("date", "must be YYYY-MM-DD")
	}
	if strings.TrimSpace(v.Diagnosis) == "" {
		return NewValidationError("diagnosis", "is required")
	}
	if !v.Status.Valid() {
		return NewValidationError("status", "unknown status "+string(v.Status))
	}
	for _, m := range v.Medications {
		if strings.TrimSpace(m.Name) == "" {
			return NewValidationError("medications.name", "is required")
		}
		if !m.Type.Valid() {
			return NewValidationError("medications.type", "unknown type "+string(m.Type))
		}
	}
	return nil
}

// AppUser is a staff account. Passwords are compared as plain text; this is
// a known weakness kept for parity with the deployed clinic.
type AppUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

// Validate checks the fields required to create a staff account.
func (u AppUser) Validate() error {
	if strings.TrimSpace(u.ID) == "" {
		return NewValidationError("id", "is required")
	}
	if strings.TrimSpace(u.Username) == "" {
		return NewValidationError("username", "is required")
	}
	if u.Password == "" {
		return NewValidationError("password", "is required")
	}
	if !u.Role.Valid() {
		return NewValidationError("role", "unknown role "+string(u.Role))
	}
	return nil
}

// BootstrapUsername is the account that can always log in and can never be
// deleted.
const BootstrapUsername = "admin"

// BootstrapUser is the failsafe identity accepted when no stored account
// matches.
var BootstrapUser = AppUser{
	ID:       "bootstrap-admin",
	Name:     "System Admin",
	Username: BootstrapUsername,
	Password: "admin",
	Role:     RoleRegistrar,
}

// IsBootstrap reports whether u is the failsafe identity or a stored account
// that shares its username.
func (u AppUser) IsBootstrap() bool {
	return u.ID == BootstrapUser.ID || u.Username == BootstrapUsername
}

func isCalendarDay(s string) bool {
	if len(s) != len(DateLayout) {
		return false
	}
	for i, c := range s {
		switch i {
		case 4, 7:
			if c != '-' {
				return false
			}
		default:
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}
