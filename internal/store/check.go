package store

import (
	"fmt"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/domain/dosage"
)

// CheckVisit runs the structural checks every backend applies before
// accepting a visit: required fields and re-derivable quantities.
func CheckVisit(v clinic.Visit) error {
	if err := v.Validate(); err != nil {
		return err
	}
	for i, m := range v.Medications {
		if err := dosage.Verify(m); err != nil {
			return fmt.Errorf("medication %d: %w", i+1, err)
		}
	}
	return nil
}

// UnknownPatient is the error for a visit whose patient does not exist.
func UnknownPatient(id string) error {
	return fmt.Errorf("%w: patient %s", clinic.ErrNotFound, id)
}

// UnknownVisit is the error for a status change on a missing visit.
func UnknownVisit(id string) error {
	return fmt.Errorf("%w: visit %s", clinic.ErrNotFound, id)
}

// UnknownUser is the error for deleting a missing account.
func UnknownUser(id string) error {
	return fmt.Errorf("%w: user %s", clinic.ErrNotFound, id)
}
