package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/domain/dosage"
	"github.com/samehmaged/Minya-diabetes-system/internal/qrcard"
	"github.com/samehmaged/Minya-diabetes-system/internal/workflow"
)

func commandTable() map[string]command {
	return map[string]command{
		"help":     {"help", "list commands", cmdHelp},
		"quit":     {"quit", "leave the console", cmdQuit},
		"login":    {"login <username> <password>", "sign in", cmdLogin},
		"logout":   {"logout", "sign out", cmdLogout},
		"whoami":   {"whoami", "show the signed-in user", cmdWhoami},
		"patients": {"patients", "list registered patients, newest first", cmdPatients},
		"history":  {"history <patient-id>", "show a patient's visits", cmdHistory},
		"stats":    {"stats", "today's registrations and pending prescriptions", cmdStats},
		"register": {"register <national-id> <age> <m|f> <name...>", "register a patient and print the card", cmdRegister},
		"card":     {"card <patient-id>", "print a registered patient's card again", cmdCard},
		"ack":      {"ack", "confirm the printed card", cmdAck},
		"staff":    {"staff [add <role> <username> <password> <name...> | rm <id> | done]", "manage staff accounts", cmdStaff},
		"export":   {"export", "write the full archive as CSV", cmdExport},
		"scan":     {"scan <card payload>", "open a chart from a scanned card", cmdScan},
		"select":   {"select <patient-id>", "open a chart by patient id", cmdSelect},
		"chart":    {"chart", "show the open chart", cmdChart},
		"diag":     {"diag <number|text...>", "set the diagnosis", cmdDiag},
		"med":      {"med <number> [units] [times/day] [days] | med rm <line>", "add or remove a medication", cmdMed},
		"referral": {"referral <number|text...|none>", "set the specialist referral", cmdReferral},
		"submit":   {"submit", "save the prescription", cmdSubmit},
		"close":    {"close", "discard the open chart", cmdClose},
		"summary":  {"summary", "ask the assistant for a summary", cmdSummary},
		"speak":    {"speak", "read the summary aloud into a WAV file", cmdSpeak},
		"list":     {"list", "today's prescriptions", cmdList},
		"dispense": {"dispense <visit-id>", "mark a prescription dispensed", cmdDispense},
	}
}

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

// pick resolves a 1-based catalog number, or returns the text as typed.
func pick(catalog []string, args []string) string {
	text := strings.Join(args, " ")
	if n, err := strconv.Atoi(text); err == nil && n >= 1 && n <= len(catalog) {
		return catalog[n-1]
	}
	return text
}

// -- Session --

func cmdHelp(c *Console, _ context.Context, _ []string) error {
	c.help()
	return nil
}

func cmdQuit(*Console, context.Context, []string) error { return errQuit }

func cmdLogin(c *Console, ctx context.Context, args []string) error {
	if err := needArgs(args, 2, "login <username> <password>"); err != nil {
		return err
	}
	s, err := c.opts.App.Login(ctx, args[0], args[1])
	if err != nil {
		if errors.Is(err, clinic.ErrAuthFailure) {
			return errors.New("wrong username or password")
		}
		return err
	}
	u := s.User()
	c.printf("welcome %s (%s)\n", u.Name, u.Role)
	return nil
}

func cmdLogout(c *Console, _ context.Context, _ []string) error {
	c.opts.App.Logout()
	c.printf("signed out\n")
	return nil
}

func cmdWhoami(c *Console, _ context.Context, _ []string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	u := s.User()
	c.printf("%s (%s) role=%s screen=%s\n", u.Name, u.Username, u.Role, s.State())
	return nil
}

func cmdPatients(c *Console, _ context.Context, _ []string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	for _, p := range s.Patients() {
		c.printf("%s  %s  %s  %d %s\n", p.ID, p.NationalID, p.Name, p.Age, p.Gender)
	}
	return nil
}

func cmdHistory(c *Console, _ context.Context, args []string) error {
	if err := needArgs(args, 1, "history <patient-id>"); err != nil {
		return err
	}
	s, err := c.session()
	if err != nil {
		return err
	}
	visits := s.PatientHistory(args[0])
	if len(visits) == 0 {
		c.printf("no visits\n")
		return nil
	}
	for _, v := range visits {
		c.printf("%s  %s  %s  [%s]\n", v.Date, v.ID, v.Diagnosis, v.Status)
		printMeds(c, v.Medications)
	}
	return nil
}

func cmdStats(c *Console, _ context.Context, _ []string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	st := s.Stats()
	c.printf("patients today: %d\npending pharmacy: %d\n", st.TodayPatients, st.PendingPharmacy)
	return nil
}

// -- Registrar --

func cmdRegister(c *Console, ctx context.Context, args []string) error {
	const usage = "register <national-id> <age> <m|f> <name...>"
	if err := needArgs(args, 4, usage); err != nil {
		return err
	}
	s, err := c.session()
	if err != nil {
		return err
	}
	age, err := strconv.Atoi(args[1])
	if err != nil {
		return clinic.NewValidationError("age", "must be a number")
	}
	var gender clinic.Gender
	switch strings.ToLower(args[2]) {
	case "m", "male":
		gender = clinic.GenderMale
	case "f", "female":
		gender = clinic.GenderFemale
	default:
		return clinic.NewValidationError("gender", "must be m or f")
	}

	p, err := s.RegisterPatient(ctx, workflow.Registration{
		Name:       strings.Join(args[3:], " "),
		NationalID: args[0],
		Age:        age,
		Gender:     gender,
	})
	if err != nil {
		return err
	}
	c.printf("registered %s as %s\n", p.Name, p.ID)
	return c.showCard(p)
}

func (c *Console) showCard(p clinic.Patient) error {
	art, err := qrcard.Terminal(p.ID)
	if err != nil {
		return err
	}
	c.printf("%s%s\n%s\n", art, p.Name, p.NationalID)
	if c.opts.Printer == nil {
		return nil
	}
	path, err := c.opts.Printer.Print(p)
	if err != nil {
		// The patient is saved; only the printout failed.
		c.log.Warn().Err(err).Str("patient_id", p.ID).Msg("card print failed")
		c.printf("card not printed: %s\n", err)
		return nil
	}
	c.printf("card written to %s\n", path)
	return nil
}

func cmdCard(c *Console, _ context.Context, args []string) error {
	if err := needArgs(args, 1, "card <patient-id>"); err != nil {
		return err
	}
	s, err := c.session()
	if err != nil {
		return err
	}
	p, err := s.ReprintCard(args[0])
	if err != nil {
		return err
	}
	return c.showCard(p)
}

func cmdAck(c *Console, _ context.Context, _ []string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.AcknowledgeCard()
}

func cmdStaff(c *Console, ctx context.Context, args []string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		if s.State() != workflow.StateManagingStaff {
			if err := s.OpenStaff(); err != nil {
				return err
			}
		}
		return printStaff(c, s)
	}

	switch args[0] {
	case "add":
		const usage = "staff add <registrar|physician|dispenser> <username> <password> <name...>"
		if err := needArgs(args, 5, usage); err != nil {
			return err
		}
		u, err := s.CreateStaff(ctx, workflow.StaffForm{
			Role:     clinic.Role(strings.ToLower(args[1])),
			Username: args[2],
			Password: args[3],
			Name:     strings.Join(args[4:], " "),
		})
		if err != nil {
			return err
		}
		c.printf("created %s (%s) as %s\n", u.Username, u.Role, u.ID)
		return nil
	case "rm":
		if err := needArgs(args, 2, "staff rm <id>"); err != nil {
			return err
		}
		if err := s.DeleteStaff(ctx, args[1]); err != nil {
			return err
		}
		c.printf("deleted %s\n", args[1])
		return nil
	case "done":
		return s.CloseStaff()
	}
	return fmt.Errorf("unknown staff action %q", args[0])
}

func printStaff(c *Console, s *workflow.Session) error {
	users, err := s.Staff()
	if err != nil {
		return err
	}
	for _, u := range users {
		c.printf("%s  %-16s %-10s %s\n", u.ID, u.Username, u.Role, u.Name)
	}
	return nil
}

func cmdExport(c *Console, ctx context.Context, _ []string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	res, err := s.ExportArchive(ctx, c.opts.Exporter)
	if err != nil && len(res.Content) == 0 {
		return err
	}
	if err != nil {
		c.printf("upload failed: %s\n", err)
	}
	if res.Object != nil {
		c.printf("uploaded %s\n", res.Object.Key)
	}
	path, werr := c.writeFile(res.Name, res.Content)
	if werr != nil {
		return werr
	}
	c.printf("archive written to %s\n", path)
	return nil
}

// -- Physician --

func cmdScan(c *Console, _ context.Context, args []string) error {
	if err := needArgs(args, 1, "scan <card payload>"); err != nil {
		return err
	}
	s, err := c.session()
	if err != nil {
		return err
	}
	p, err := s.Scan(strings.Join(args, " "))
	if err != nil {
		return err
	}
	return showChart(c, s, p)
}

func cmdSelect(c *Console, _ context.Context, args []string) error {
	if err := needArgs(args, 1, "select <patient-id>"); err != nil {
		return err
	}
	s, err := c.session()
	if err != nil {
		return err
	}
	p, err := s.SelectPatient(args[0])
	if err != nil {
		return err
	}
	return showChart(c, s, p)
}

func showChart(c *Console, s *workflow.Session, p clinic.Patient) error {
	c.printf("patient %s, %d, %s\n", p.Name, p.Age, p.Gender)
	if visits := s.PatientHistory(p.ID); len(visits) > 0 {
		last := visits[0]
		c.printf("last visit %s: %s\n", last.Date, last.Diagnosis)
	}
	return nil
}

func cmdChart(c *Console, _ context.Context, _ []string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	ch, ok := s.Chart()
	if !ok {
		return clinic.ErrWrongState
	}
	c.printf("patient:   %s (%s)\n", ch.Patient.Name, ch.Patient.ID)
	c.printf("diagnosis: %s\n", ch.Diagnosis)
	c.printf("referral:  %s\n", ch.Referral)
	printMeds(c, ch.Medications)
	if ch.Summary != "" {
		c.printf("summary:   %s\n", ch.Summary)
	}
	return nil
}

func printMeds(c *Console, meds []clinic.MedicationItem) {
	for i, m := range meds {
		c.printf("  %d. %s  %s, %s, %s  -> %s\n", i+1, m.Name, m.Dosage, m.Frequency, m.Duration, m.Quantity)
	}
}

func cmdDiag(c *Console, _ context.Context, args []string) error {
	if err := needArgs(args, 1, "diag <number|text...>"); err != nil {
		return err
	}
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.SetDiagnosis(pick(clinic.Diagnoses, args))
}

func cmdReferral(c *Console, _ context.Context, args []string) error {
	if err := needArgs(args, 1, "referral <number|text...|none>"); err != nil {
		return err
	}
	s, err := c.session()
	if err != nil {
		return err
	}
	r := pick(clinic.SpecialistClinics, args)
	if strings.EqualFold(r, "none") {
		r = ""
	}
	return s.SetReferral(r)
}

func cmdMed(c *Console, _ context.Context, args []string) error {
	const usage = "med <number> [units] [times/day] [days] | med rm <line>"
	if err := needArgs(args, 1, usage); err != nil {
		return err
	}
	s, err := c.session()
	if err != nil {
		return err
	}
	if args[0] == "rm" {
		if err := needArgs(args, 2, usage); err != nil {
			return err
		}
		line, err := strconv.Atoi(args[1])
		if err != nil {
			return clinic.NewValidationError("line", "must be a number")
		}
		return s.RemoveMedication(line - 1)
	}

	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(clinic.Medications) {
		return clinic.NewValidationError("medication", "must be a catalog number")
	}
	o := dosage.DefaultOrder(clinic.Medications[n-1])
	fields := []*int{&o.Units, &o.TimesPerDay, &o.DurationDays}
	if o.Type != clinic.MedicationInsulin {
		fields = fields[1:]
	}
	for i, arg := range args[1:] {
		if i >= len(fields) {
			break
		}
		v, err := strconv.Atoi(arg)
		if err != nil {
			return clinic.NewValidationError("medication", fmt.Sprintf("%q is not a number", arg))
		}
		*fields[i] = v
	}
	item, err := s.AddMedication(o)
	if err != nil {
		return err
	}
	c.printf("added %s -> %s\n", item.Name, item.Quantity)
	return nil
}

func cmdSubmit(c *Console, ctx context.Context, _ []string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	v, err := s.Submit(ctx)
	if err != nil {
		return err
	}
	c.printf("prescription %s saved for %s\n", v.ID, v.Date)
	return nil
}

func cmdClose(c *Console, _ context.Context, _ []string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.CloseChart()
}

func cmdSummary(c *Console, ctx context.Context, _ []string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	text, err := s.Summarize(ctx)
	if err != nil {
		return err
	}
	c.printf("%s\n", text)
	return nil
}

func cmdSpeak(c *Console, ctx context.Context, _ []string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	audio, err := s.Speak(ctx)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := audio.WriteWAV(&buf); err != nil {
		return err
	}
	ch, _ := s.Chart()
	path, err := c.writeFile("summary_"+ch.Patient.ID+".wav", buf.Bytes())
	if err != nil {
		return err
	}
	c.printf("summary audio (%d ms) written to %s\n", audio.DurationMillis(), path)
	return nil
}

// -- Dispenser --

func cmdList(c *Console, _ context.Context, _ []string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	items, err := s.TodaysVisits()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		c.printf("no prescriptions today\n")
		return nil
	}
	for _, it := range items {
		mark := "pending"
		if !it.Dispensable() {
			mark = "dispensed"
		}
		c.printf("%s  %s  %s  [%s]\n", it.Visit.ID, it.Patient.Name, it.Visit.Diagnosis, mark)
		printMeds(c, it.Visit.Medications)
	}
	return nil
}

func cmdDispense(c *Console, ctx context.Context, args []string) error {
	if err := needArgs(args, 1, "dispense <visit-id>"); err != nil {
		return err
	}
	s, err := c.session()
	if err != nil {
		return err
	}
	if err := s.Dispense(ctx, args[0]); err != nil {
		return err
	}
	c.printf("dispensed %s\n", args[0])
	return nil
}
