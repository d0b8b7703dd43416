package store

import (
	"cmp"
	"slices"

	"github.com/samber/lo"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
)

// Keyed maps are the wire shape of the replicated backend: entity id to
// record.
type (
	PatientMap map[string]clinic.Patient
	VisitMap   map[string]clinic.Visit
	UserMap    map[string]clinic.AppUser
)

// PatientList flattens m into registration order.
func PatientList(m PatientMap) []clinic.Patient {
	out := lo.Values(m)
	SortPatients(out)
	return out
}

// VisitList flattens m into creation order.
func VisitList(m VisitMap) []clinic.Visit {
	out := lo.Values(m)
	SortVisits(out)
	return out
}

// UserList flattens m ordered by username.
func UserList(m UserMap) []clinic.AppUser {
	out := lo.Values(m)
	slices.SortFunc(out, func(a, b clinic.AppUser) int {
		return cmp.Or(cmp.Compare(a.Username, b.Username), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// SortPatients orders by registration time, oldest first.
func SortPatients(ps []clinic.Patient) {
	slices.SortStableFunc(ps, func(a, b clinic.Patient) int {
		return cmp.Or(cmp.Compare(a.RegistrationDate, b.RegistrationDate), cmp.Compare(a.ID, b.ID))
	})
}

// SortVisits orders by calendar day then creation time, oldest first.
func SortVisits(vs []clinic.Visit) {
	slices.SortStableFunc(vs, func(a, b clinic.Visit) int {
		return cmp.Or(
			cmp.Compare(a.Date, b.Date),
			cmp.Compare(a.CreatedAt, b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
}

// PatientIndex keys ps by id.
func PatientIndex(ps []clinic.Patient) PatientMap {
	return lo.SliceToMap(ps, func(p clinic.Patient) (string, clinic.Patient) { return p.ID, p })
}

// VisitIndex keys vs by id.
func VisitIndex(vs []clinic.Visit) VisitMap {
	return lo.SliceToMap(vs, func(v clinic.Visit) (string, clinic.Visit) { return v.ID, v })
}

// UserIndex keys us by id.
func UserIndex(us []clinic.AppUser) UserMap {
	return lo.SliceToMap(us, func(u clinic.AppUser) (string, clinic.AppUser) { return u.ID, u })
}
