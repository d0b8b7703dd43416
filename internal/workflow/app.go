// Package workflow is the clinic's role-based state machine. An App turns a
// login into a Session; the Session holds the signed-in user, a cached
// projection of the collections kept fresh by store subscriptions, and the
// unsaved form of the screen in use.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/samehmaged/Minya-diabetes-system/internal/assistant"
	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/auth"
	"github.com/samehmaged/Minya-diabetes-system/internal/store"
)

// PrintHold is how long the registrar stays on the printed card.
const PrintHold = 500 * time.Millisecond

// Options wires an App to its collaborators. Store is required.
type Options struct {
	Store  store.Store
	Logger zerolog.Logger

	// DoctorName is stamped on every visit.
	DoctorName string
	// Location decides which calendar day is "today".
	Location *time.Location
	Now      func() time.Time
	NewID    func() string

	// Optional collaborators. Nil disables the feature.
	Summarizer assistant.Summarizer
	Speaker    assistant.Speaker
}

func (o *Options) defaults() {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

// App owns at most one session at a time.
type App struct {
	opts Options
	log  zerolog.Logger

	mu          sync.Mutex
	session     *Session
	lastFailure error
}

func New(opts Options) *App {
	opts.defaults()
	return &App{opts: opts, log: opts.Logger.With().Str("component", "workflow").Logger()}
}

// Login authenticates against the stored staff accounts. When the store
// cannot be read the bootstrap identity still works.
func (a *App) Login(ctx context.Context, username, password string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return nil, fmt.Errorf("%w: already signed in as %s", clinic.ErrWrongState, a.session.user.Username)
	}

	users, err := a.opts.Store.ListUsers(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("staff collection unavailable, only the bootstrap identity can sign in")
		users = nil
	}
	user, err := auth.Authenticate(users, username, password)
	if err != nil {
		a.lastFailure = err
		a.log.Info().Str("username", username).Msg("login rejected")
		return nil, err
	}

	a.lastFailure = nil
	a.session = newSession(ctx, user, &a.opts, a.log)
	a.log.Info().Str("username", user.Username).Str("role", string(user.Role)).Msg("signed in")
	return a.session, nil
}

// Logout ends the current session. Subscriptions are cancelled and any held
// audio is released before it returns.
func (a *App) Logout() {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()
	if s == nil {
		return
	}
	s.close()
	a.log.Info().Str("username", s.user.Username).Msg("signed out")
}

// Session returns the active session, or nil.
func (a *App) Session() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// State is StateUnauthenticated without a session.
func (a *App) State() State {
	if s := a.Session(); s != nil {
		return s.State()
	}
	return StateUnauthenticated
}

// LastFailure is the reason the most recent login failed, cleared by a
// successful login.
func (a *App) LastFailure() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastFailure
}
