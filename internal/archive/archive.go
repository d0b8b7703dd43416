// Package archive flattens the clinic collections into the CSV archive that
// the clinic keeps as its full record of visits and prescriptions.
package archive

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/blobstore"
)

// ContentType of the archive file.
const ContentType = "text/csv;charset=utf-8"

// bom makes spreadsheet tools read the file as UTF-8.
const bom = "\uFEFF"

// Header is the fixed column order of the archive.
var Header = []string{
	"VisitID", "Date", "PatientName", "NationalID", "Age", "Diagnosis",
	"Med_Name", "Med_Type", "Dosage_Units", "Frequency", "Duration", "Calculated_Qty",
	"Doctor", "Status", "Referral",
}

// FileName is the download name of an archive taken on day.
func FileName(day time.Time) string {
	return fmt.Sprintf("Minya_Clinic_FULL_ARCHIVE_%s.csv", day.Format(clinic.DateLayout))
}

// Rows builds one row per visit and medication, or a single placeholder row
// for a visit without medications. Visits are emitted in the given order;
// a visit whose patient is unknown is skipped. The inputs are not modified.
func Rows(patients []clinic.Patient, visits []clinic.Visit) [][]string {
	byID := make(map[string]clinic.Patient, len(patients))
	for _, p := range patients {
		byID[p.ID] = p
	}

	var rows [][]string
	for _, v := range visits {
		p, ok := byID[v.PatientID]
		if !ok {
			continue
		}
		referral := v.Referral
		if referral == "" {
			referral = "None"
		}
		row := func(med ...string) []string {
			r := make([]string, 0, len(Header))
			r = append(r, v.ID, v.Date, p.Name, "'"+p.NationalID, strconv.Itoa(p.Age), v.Diagnosis)
			r = append(r, med...)
			return append(r, v.DoctorName, string(v.Status), referral)
		}

		if len(v.Medications) == 0 {
			rows = append(rows, row("None", "-", "-", "-", "-", "-"))
			continue
		}
		for _, m := range v.Medications {
			typ := string(m.Type)
			if typ == "" {
				typ = string(clinic.MedicationTablet)
			}
			units := "-"
			if m.Units != 0 {
				units = strconv.Itoa(m.Units)
			}
			rows = append(rows, row(m.Name, typ, units, m.Frequency, m.Duration, m.Quantity))
		}
	}
	return rows
}

// Write renders the archive to w.
func Write(w io.Writer, patients []clinic.Patient, visits []clinic.Visit) error {
	if _, err := io.WriteString(w, bom); err != nil {
		return fmt.Errorf("archive: write bom: %w", err)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("archive: write header: %w", err)
	}
	if err := cw.WriteAll(Rows(patients, visits)); err != nil {
		return fmt.Errorf("archive: write rows: %w", err)
	}
	return nil
}

// Exporter renders archives and optionally keeps a copy in a blob store.
type Exporter struct {
	store blobstore.Store
	log   zerolog.Logger
}

// NewExporter returns an exporter. A nil store disables uploads.
func NewExporter(store blobstore.Store, logger zerolog.Logger) *Exporter {
	return &Exporter{store: store, log: logger}
}

// Result is one rendered archive.
type Result struct {
	Name    string
	Content []byte
	// Object is set when the archive was uploaded.
	Object *blobstore.Object
}

// Export renders the archive for day. When a store is configured the file
// is also uploaded under blobstore.ArchivePrefix.
func (e *Exporter) Export(ctx context.Context, day time.Time, patients []clinic.Patient, visits []clinic.Visit) (Result, error) {
	var buf bytes.Buffer
	if err := Write(&buf, patients, visits); err != nil {
		return Result{}, err
	}
	res := Result{Name: FileName(day), Content: buf.Bytes()}
	if e.store == nil {
		return res, nil
	}

	obj, err := e.store.Put(ctx, blobstore.ArchivePrefix+res.Name, ContentType, bytes.NewReader(res.Content))
	if err != nil {
		return res, fmt.Errorf("archive: upload %s: %w", res.Name, err)
	}
	e.log.Info().Str("key", obj.Key).Int64("size", obj.Size).Msg("archive uploaded")
	res.Object = obj
	return res, nil
}
