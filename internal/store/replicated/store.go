// Package replicated is the multi-device backend. Writes go to the clinic
// replication server over REST; every subscription holds its own websocket
// and receives the full collection after each change made by any device.
package replicated

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/websocket"
	"github.com/samehmaged/Minya-diabetes-system/internal/store"
	"github.com/samehmaged/Minya-diabetes-system/internal/syncserver"
)

const apiPrefix = "/api/v1"

// Options tune the transport. Zero values pick the defaults.
type Options struct {
	HTTPClient     *http.Client
	Dialer         *gorillawebsocket.Dialer
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
}

// Store is the replicated backend.
type Store struct {
	base  string
	wsURL string
	http  *http.Client
	dial  *gorillawebsocket.Dialer
	opts  Options
	log   zerolog.Logger

	connected atomic.Bool

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

var (
	_ store.Store              = (*Store)(nil)
	_ store.ConnectionReporter = (*Store)(nil)
)

// New returns a store talking to the server at serverURL
// (e.g. "http://clinic-server:8080"). No connection is made until the first
// call.
func New(serverURL string, logger zerolog.Logger, opts Options) (*Store, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse sync url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("sync url %q: scheme must be http or https", serverURL)
	}
	wsURL := u.String() + apiPrefix + "/ws"

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = &gorillawebsocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	return &Store{
		base:  strings.TrimRight(serverURL, "/") + apiPrefix,
		wsURL: wsURL,
		http:  opts.HTTPClient,
		dial:  opts.Dialer,
		opts:  opts,
		log:   logger.With().Str("component", "replicated-store").Logger(),
		subs:  make(map[*subscription]struct{}),
	}, nil
}

// Connected reports whether the last exchange with the server succeeded.
func (s *Store) Connected() bool {
	return s.connected.Load()
}

// -- REST --

func (s *Store) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, s.base+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		s.connected.Store(false)
		return fmt.Errorf("%w: %v", clinic.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		s.connected.Store(false)
		return fmt.Errorf("%w: server returned %d", clinic.ErrBackendUnavailable, resp.StatusCode)
	}
	s.connected.Store(true)

	if resp.StatusCode >= http.StatusBadRequest {
		var eb syncserver.ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
			return fmt.Errorf("%w: server returned %d", clinic.ErrBackendUnavailable, resp.StatusCode)
		}
		return fmt.Errorf("%w: %s", syncserver.Sentinel(eb.Code), eb.Message)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", clinic.ErrBackendUnavailable, err)
		}
	}
	return nil
}

func (s *Store) ListPatients(ctx context.Context) ([]clinic.Patient, error) {
	var m store.PatientMap
	if err := s.do(ctx, http.MethodGet, "/patients", nil, &m); err != nil {
		return nil, err
	}
	return store.PatientList(m), nil
}

func (s *Store) CreatePatient(ctx context.Context, p clinic.Patient) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.do(ctx, http.MethodPost, "/patients", p, nil)
}

func (s *Store) ListVisits(ctx context.Context) ([]clinic.Visit, error) {
	var m store.VisitMap
	if err := s.do(ctx, http.MethodGet, "/visits", nil, &m); err != nil {
		return nil, err
	}
	return store.VisitList(m), nil
}

func (s *Store) CreateVisit(ctx context.Context, v clinic.Visit) error {
	if err := store.CheckVisit(v); err != nil {
		return err
	}
	if v.Medications == nil {
		v.Medications = []clinic.MedicationItem{}
	}
	return s.do(ctx, http.MethodPost, "/visits", v, nil)
}

func (s *Store) SetVisitStatus(ctx context.Context, visitID string, status clinic.VisitStatus) error {
	path := "/visits/" + url.PathEscape(visitID) + "/status"
	return s.do(ctx, http.MethodPut, path, syncserver.StatusRequest{Status: status}, nil)
}

func (s *Store) ListUsers(ctx context.Context) ([]clinic.AppUser, error) {
	var m store.UserMap
	if err := s.do(ctx, http.MethodGet, "/users", nil, &m); err != nil {
		return nil, err
	}
	return store.UserList(m), nil
}

func (s *Store) CreateUser(ctx context.Context, u clinic.AppUser) error {
	if err := u.Validate(); err != nil {
		return err
	}
	return s.do(ctx, http.MethodPost, "/users", u, nil)
}

func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	return s.do(ctx, http.MethodDelete, "/users/"+url.PathEscape(userID), nil, nil)
}

// -- Subscriptions --

type subscription struct {
	coll store.Collection
	fn   store.Listener

	mu        sync.Mutex
	cancelled bool
	conn      *gorillawebsocket.Conn
	stop      chan struct{}
}

// Subscribe starts a background connection for c. The first snapshot
// arrives once the server is reachable; after a disconnect the connection
// is re-established and a fresh snapshot follows. fn must not call the
// returned CancelFunc.
func (s *Store) Subscribe(ctx context.Context, c store.Collection, fn store.Listener) (store.CancelFunc, error) {
	if !c.Valid() {
		return nil, clinic.NewValidationError("collection", "unknown collection "+string(c))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscription{coll: c, fn: fn, stop: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: store closed", clinic.ErrBackendUnavailable)
	}
	s.subs[sub] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(sub)

	return func() { s.cancel(sub) }, nil
}

func (s *Store) cancel(sub *subscription) {
	sub.mu.Lock()
	if !sub.cancelled {
		sub.cancelled = true
		close(sub.stop)
		if sub.conn != nil {
			sub.conn.Close()
		}
	}
	sub.mu.Unlock()

	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// run keeps one websocket open for sub until it is cancelled.
func (s *Store) run(sub *subscription) {
	defer s.wg.Done()

	backoff := s.opts.MinBackoff
	for {
		err := s.session(sub)
		select {
		case <-sub.stop:
			return
		default:
		}

		s.connected.Store(false)
		s.log.Warn().Err(err).Str("collection", string(sub.coll)).Dur("retry_in", backoff).Msg("subscription lost")

		select {
		case <-sub.stop:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.opts.MaxBackoff)
		if err == nil {
			backoff = s.opts.MinBackoff
		}
	}
}

// session dials, subscribes and delivers snapshots until the connection
// drops. It returns nil if at least one snapshot was delivered.
func (s *Store) session(sub *subscription) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sub.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, _, err := s.dial.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	sub.mu.Lock()
	if sub.cancelled {
		sub.mu.Unlock()
		conn.Close()
		return nil
	}
	sub.conn = conn
	sub.mu.Unlock()
	defer func() {
		sub.mu.Lock()
		sub.conn = nil
		sub.mu.Unlock()
		conn.Close()
	}()

	msg := websocket.ClientMessage{Action: "subscribe", Topics: []string{string(sub.coll)}}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.connected.Store(true)
	s.log.Debug().Str("collection", string(sub.coll)).Msg("subscribed")

	delivered := false
	for {
		var ev websocket.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if delivered {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if ev.Type != websocket.EventCollectionReplaced || ev.Topic != string(sub.coll) {
			continue
		}
		snap, err := decodeSnapshot(sub.coll, ev.Data)
		if err != nil {
			s.log.Warn().Err(err).Str("collection", string(sub.coll)).Msg("undecodable snapshot skipped")
			continue
		}
		if !deliver(sub, snap) {
			return nil
		}
		delivered = true
	}
}

// deliver calls the listener unless the subscription was cancelled. Holding
// sub.mu across the call means a returning CancelFunc has seen the last
// delivery.
func deliver(sub *subscription, snap store.Snapshot) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.cancelled {
		return false
	}
	sub.fn(snap)
	return true
}

func decodeSnapshot(c store.Collection, data json.RawMessage) (store.Snapshot, error) {
	snap := store.Snapshot{Collection: c}
	switch c {
	case store.Patients:
		var m store.PatientMap
		if err := json.Unmarshal(data, &m); err != nil {
			return snap, err
		}
		snap.Patients = store.PatientList(m)
	case store.Visits:
		var m store.VisitMap
		if err := json.Unmarshal(data, &m); err != nil {
			return snap, err
		}
		snap.Visits = store.VisitList(m)
	case store.Users:
		var m store.UserMap
		if err := json.Unmarshal(data, &m); err != nil {
			return snap, err
		}
		snap.Users = store.UserList(m)
	default:
		return snap, errors.New("unknown collection " + string(c))
	}
	return snap, nil
}

// Close cancels every subscription and waits for their goroutines.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		s.cancel(sub)
	}
	s.wg.Wait()
	s.http.CloseIdleConnections()
	return nil
}
