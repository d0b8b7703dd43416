// Package dosage turns dosing parameters into the dispensable quantity of a
// medication line.
package dosage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
)

// PenCapacity is the number of insulin units in one pen.
const PenCapacity = 300

// Order holds the raw parameters a physician enters for one medication.
type Order struct {
	Name         string
	Type         clinic.MedicationType
	Units        int
	TimesPerDay  int
	DurationDays int
}

// DefaultOrder returns the parameters pre-filled when name is picked from
// the catalog: insulin starts at 20 units, everything else as a tablet.
func DefaultOrder(name string) Order {
	if clinic.IsInsulin(name) {
		return Order{Name: name, Type: clinic.MedicationInsulin, Units: 20, TimesPerDay: 1, DurationDays: 30}
	}
	return Order{Name: name, Type: clinic.MedicationTablet, TimesPerDay: 1, DurationDays: 30}
}

// Validate rejects orders the calculator cannot handle. Zero insulin units
// are accepted.
func (o Order) Validate() error {
	if strings.TrimSpace(o.Name) == "" {
		return clinic.NewValidationError("name", "is required")
	}
	if !o.Type.Valid() {
		return clinic.NewValidationError("type", "unknown type "+string(o.Type))
	}
	if o.TimesPerDay <= 0 {
		return clinic.NewValidationError("frequency", "must be a positive number of doses per day")
	}
	if o.DurationDays <= 0 {
		return clinic.NewValidationError("duration", "must be a positive number of days")
	}
	if o.Units < 0 {
		return clinic.NewValidationError("units", "must not be negative")
	}
	return nil
}

// ComputeQuantity renders the total to dispense. TimesPerDay and
// DurationDays must already be positive.
func ComputeQuantity(o Order) string {
	if o.Type == clinic.MedicationInsulin {
		totalUnits := o.Units * o.TimesPerDay * o.DurationDays
		pens := (totalUnits + PenCapacity - 1) / PenCapacity
		return fmt.Sprintf("%d pens (%d units)", pens, totalUnits)
	}
	return fmt.Sprintf("%d tablets", o.TimesPerDay*o.DurationDays)
}

// Prescribe validates o and builds the medication line with its derived
// quantity.
func Prescribe(o Order) (clinic.MedicationItem, error) {
	if err := o.Validate(); err != nil {
		return clinic.MedicationItem{}, err
	}
	item := clinic.MedicationItem{
		Name:      strings.TrimSpace(o.Name),
		Type:      o.Type,
		Dosage:    "standard",
		Frequency: fmt.Sprintf("%d times daily", o.TimesPerDay),
		Duration:  fmt.Sprintf("%d days", o.DurationDays),
		Quantity:  ComputeQuantity(o),
	}
	if o.Type == clinic.MedicationInsulin {
		item.Units = o.Units
		item.Dosage = fmt.Sprintf("%d units", o.Units)
	}
	return item, nil
}

// OrderOf recovers the parameters behind a stored medication line.
func OrderOf(item clinic.MedicationItem) (Order, error) {
	times, err := leadingCount(item.Frequency)
	if err != nil {
		return Order{}, clinic.NewValidationError("frequency", err.Error())
	}
	days, err := leadingCount(item.Duration)
	if err != nil {
		return Order{}, clinic.NewValidationError("duration", err.Error())
	}
	o := Order{Name: item.Name, Type: item.Type, TimesPerDay: times, DurationDays: days}
	if item.Type == clinic.MedicationInsulin {
		o.Units = item.Units
	}
	return o, nil
}

// Verify checks that item.Quantity is exactly what its inputs produce.
func Verify(item clinic.MedicationItem) error {
	o, err := OrderOf(item)
	if err != nil {
		return err
	}
	if err := o.Validate(); err != nil {
		return err
	}
	if want := ComputeQuantity(o); item.Quantity != want {
		return clinic.NewValidationError("quantity", fmt.Sprintf("is %q, inputs give %q", item.Quantity, want))
	}
	return nil
}

// leadingCount reads the integer that starts a display string such as
// "3 times daily".
func leadingCount(s string) (int, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, fmt.Errorf("is empty")
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("does not start with a count: %q", s)
	}
	return n, nil
}
