package workflow

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/samehmaged/Minya-diabetes-system/internal/assistant"
	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/store"
)

// State is the screen a session is on.
type State string

const (
	StateUnauthenticated State = "unauthenticated"

	StateRegistrarIdle   State = "registrar.idle"
	StatePrintingCard    State = "registrar.printing_card"
	StateManagingStaff   State = "registrar.managing_staff"
	StateAwaitingPatient State = "physician.awaiting_patient"
	StateCharting        State = "physician.charting"
	StateListing         State = "dispenser.listing"
)

func initialState(r clinic.Role) State {
	switch r {
	case clinic.RolePhysician:
		return StateAwaitingPatient
	case clinic.RoleDispenser:
		return StateListing
	}
	return StateRegistrarIdle
}

// Session is one signed-in user. Its methods are safe for concurrent use;
// store calls run without holding the session lock so the current state can
// always be read.
type Session struct {
	user  clinic.AppUser
	opts  *Options
	store store.Store
	log   zerolog.Logger

	mu       sync.Mutex
	state    State
	since    time.Time
	patients []clinic.Patient
	visits   []clinic.Visit
	users    []clinic.AppUser
	card     *clinic.Patient
	chart    *Chart
	audio    *assistant.Audio
	closed   bool

	// Subscription deliveries land in pending and are applied by loop.
	pendMu  sync.Mutex
	pending map[store.Collection]store.Snapshot
	wake    chan struct{}
	notify  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	cancels []store.CancelFunc
}

func newSession(ctx context.Context, user clinic.AppUser, opts *Options, logger zerolog.Logger) *Session {
	s := &Session{
		user:    user,
		opts:    opts,
		store:   opts.Store,
		log:     logger.With().Str("username", user.Username).Str("role", string(user.Role)).Logger(),
		state:   initialState(user.Role),
		since:   opts.Now(),
		pending: make(map[store.Collection]store.Snapshot),
		wake:    make(chan struct{}, 1),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	collections := []store.Collection{store.Patients, store.Visits}
	if user.Role == clinic.RoleRegistrar {
		collections = append(collections, store.Users)
	}
	for _, c := range collections {
		cancel, err := s.store.Subscribe(ctx, c, s.listen)
		if err != nil {
			s.log.Warn().Err(err).Str("collection", string(c)).Msg("subscribe failed, collection stays empty")
			continue
		}
		s.cancels = append(s.cancels, cancel)
	}
	// Backends that deliver during Subscribe are applied before returning.
	s.applyPending()
	go s.loop()
	return s
}

// listen is the store listener. It never blocks: only the newest snapshot of
// each collection is kept until the loop applies it.
func (s *Session) listen(snap store.Snapshot) {
	s.pendMu.Lock()
	s.pending[snap.Collection] = snap
	s.pendMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
			s.applyPending()
		}
	}
}

// applyPending replaces cached collections only. The card and chart are
// left alone.
func (s *Session) applyPending() {
	s.mu.Lock()
	s.pendMu.Lock()
	pending := s.pending
	s.pending = make(map[store.Collection]store.Snapshot)
	s.pendMu.Unlock()

	if len(pending) == 0 || s.closed {
		s.mu.Unlock()
		return
	}
	for c, snap := range pending {
		switch c {
		case store.Patients:
			s.patients = snap.Patients
		case store.Visits:
			s.visits = snap.Visits
		case store.Users:
			s.users = snap.Users
		}
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Updates signals after cached collections change. Signals coalesce.
func (s *Session) Updates() <-chan struct{} {
	return s.notify
}

func (s *Session) close() {
	for _, cancel := range s.cancels {
		cancel()
	}
	close(s.stop)
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseAudio()
	s.closed = true
	s.card = nil
	s.chart = nil
	s.state = StateUnauthenticated
}

// User is the signed-in account.
func (s *Session) User() clinic.AppUser { return s.user }

// State returns the current screen. A printed card clears itself once
// PrintHold has passed.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current()
}

// current must be called with mu held.
func (s *Session) current() State {
	if s.state == StatePrintingCard && s.opts.Now().Sub(s.since) >= PrintHold {
		s.enter(StateRegistrarIdle)
		s.card = nil
	}
	return s.state
}

func (s *Session) enter(st State) {
	s.state = st
	s.since = s.opts.Now()
}

// require checks role and state with mu held.
func (s *Session) require(role clinic.Role, states ...State) error {
	if s.closed {
		return fmt.Errorf("%w: signed out", clinic.ErrWrongState)
	}
	if s.user.Role != role {
		return fmt.Errorf("%w: %s only", clinic.ErrWrongRole, role)
	}
	cur := s.current()
	if len(states) > 0 && !slices.Contains(states, cur) {
		return fmt.Errorf("%w: %s", clinic.ErrWrongState, cur)
	}
	return nil
}

// Connected reports whether the backend is reachable. Backends that cannot
// disconnect are always connected.
func (s *Session) Connected() bool {
	if r, ok := s.store.(store.ConnectionReporter); ok {
		return r.Connected()
	}
	return true
}

func (s *Session) today() string {
	return s.opts.Now().In(s.opts.Location).Format(clinic.DateLayout)
}

// -- Cached reads, any role --

// Patients lists registered patients, newest registration first.
func (s *Session) Patients() []clinic.Patient {
	s.mu.Lock()
	out := slices.Clone(s.patients)
	s.mu.Unlock()
	store.SortPatients(out)
	slices.Reverse(out)
	return out
}

// Patient looks a patient up by id.
func (s *Session) Patient(id string) (clinic.Patient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findPatient(id)
}

func (s *Session) findPatient(id string) (clinic.Patient, bool) {
	for _, p := range s.patients {
		if p.ID == id {
			return p, true
		}
	}
	return clinic.Patient{}, false
}

// PatientHistory lists the visits of one patient, newest first. An unknown
// patient has no history.
func (s *Session) PatientHistory(patientID string) []clinic.Visit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.findPatient(patientID); !ok {
		return nil
	}
	var out []clinic.Visit
	for _, v := range s.visits {
		if v.PatientID == patientID {
			out = append(out, v)
		}
	}
	sortNewestFirst(out)
	return out
}

// Stats are the counters on the registrar dashboard.
type Stats struct {
	TodayPatients   int
	PendingPharmacy int
}

// Stats counts today's registrations and today's undispensed visits.
func (s *Session) Stats() Stats {
	today := s.today()
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, p := range s.patients {
		if s.registrationDay(p) == today {
			st.TodayPatients++
		}
	}
	for _, v := range s.visits {
		if v.Date == today && v.Status == clinic.StatusPrescribed {
			st.PendingPharmacy++
		}
	}
	return st
}

// registrationDay is the clinic-local day of a registration timestamp.
func (s *Session) registrationDay(p clinic.Patient) string {
	if t, err := time.Parse(time.RFC3339Nano, p.RegistrationDate); err == nil {
		return t.In(s.opts.Location).Format(clinic.DateLayout)
	}
	if len(p.RegistrationDate) >= len(clinic.DateLayout) {
		return p.RegistrationDate[:len(clinic.DateLayout)]
	}
	return ""
}

func sortNewestFirst(vs []clinic.Visit) {
	slices.SortStableFunc(vs, func(a, b clinic.Visit) int {
		return cmp.Or(
			cmp.Compare(b.Date, a.Date),
			cmp.Compare(b.CreatedAt, a.CreatedAt),
			cmp.Compare(b.ID, a.ID),
		)
	})
}

// upsert helpers apply a write this session just committed. Backends
// without other writers never push it back.

func (s *Session) upsertPatient(p clinic.Patient) {
	if i := slices.IndexFunc(s.patients, func(x clinic.Patient) bool { return x.ID == p.ID }); i >= 0 {
		s.patients[i] = p
		return
	}
	s.patients = append(s.patients, p)
}

func (s *Session) upsertVisit(v clinic.Visit) {
	if i := slices.IndexFunc(s.visits, func(x clinic.Visit) bool { return x.ID == v.ID }); i >= 0 {
		s.visits[i] = v
		return
	}
	s.visits = append(s.visits, v)
}

func (s *Session) releaseAudio() {
	if s.audio != nil {
		s.audio.Release()
		s.audio = nil
	}
}
