// Package syncserver is the replication server behind the replicated store.
//
// Clients write through REST and subscribe to collections over a websocket.
// After every committed mutation the server pushes the full keyed map of the
// touched collection to its subscribers, and publishes a domain event.
package syncserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/events"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/metrics"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/websocket"
	"github.com/samehmaged/Minya-diabetes-system/internal/store"
)

// Service serializes writes per collection. The lock of a collection is
// held across commit and broadcast, and while a new subscriber receives its
// first snapshot, so every subscriber sees states in commit order with
// nothing skipped.
type Service struct {
	repo    Repository
	hub     *websocket.Hub
	events  events.Publisher
	metrics *metrics.Collector
	log     zerolog.Logger

	locks map[store.Collection]*sync.Mutex

	queue     chan events.Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewService wires a repository to the hub. A nil publisher disables domain
// events; a nil collector disables metrics.
func NewService(repo Repository, hub *websocket.Hub, pub events.Publisher, mc *metrics.Collector, logger zerolog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if mc == nil {
		mc = metrics.NewCollector("clinic-sync")
	}
	s := &Service{
		repo:    repo,
		hub:     hub,
		events:  pub,
		metrics: mc,
		log:     logger,
		locks:   make(map[store.Collection]*sync.Mutex, len(store.Collections)),
		queue:   make(chan events.Event, 256),
		done:    make(chan struct{}),
	}
	for _, c := range store.Collections {
		s.locks[c] = &sync.Mutex{}
	}
	hub.OnSubscribe(s.subscribe)
	go s.publishLoop()
	return s
}

// Ping checks the repository.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Close drains the event queue. No mutation may run after Close.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.queue) })
	<-s.done
}

// -- Reads --

func (s *Service) Patients(ctx context.Context) (store.PatientMap, error) {
	ps, err := s.repo.ListPatients(ctx)
	if err != nil {
		return nil, err
	}
	return store.PatientIndex(ps), nil
}

func (s *Service) Visits(ctx context.Context) (store.VisitMap, error) {
	vs, err := s.repo.ListVisits(ctx)
	if err != nil {
		return nil, err
	}
	return store.VisitIndex(vs), nil
}

func (s *Service) Users(ctx context.Context) (store.UserMap, error) {
	us, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	return store.UserIndex(us), nil
}

// keyed returns the wire form of collection c.
func (s *Service) keyed(ctx context.Context, c store.Collection) (any, error) {
	switch c {
	case store.Patients:
		return s.Patients(ctx)
	case store.Visits:
		return s.Visits(ctx)
	case store.Users:
		return s.Users(ctx)
	}
	return nil, clinic.NewValidationError("collection", "unknown collection "+string(c))
}

// -- Writes --

func (s *Service) CreatePatient(ctx context.Context, p clinic.Patient) error {
	return s.mutate(ctx, store.Patients, "create", func() error {
		return s.repo.CreatePatient(ctx, p)
	}, events.New(events.PatientCreated, p.ID, p))
}

func (s *Service) CreateVisit(ctx context.Context, v clinic.Visit) error {
	if v.Medications == nil {
		v.Medications = []clinic.MedicationItem{}
	}
	return s.mutate(ctx, store.Visits, "create", func() error {
		return s.repo.CreateVisit(ctx, v)
	}, events.New(events.VisitCreated, v.ID, v))
}

// SetVisitStatus commits a status change. Repeating the current status
// succeeds without a broadcast or event.
func (s *Service) SetVisitStatus(ctx context.Context, id string, status clinic.VisitStatus) error {
	if !status.Valid() {
		return clinic.NewValidationError("status", "unknown status "+string(status))
	}
	lock := s.locks[store.Visits]
	lock.Lock()
	defer lock.Unlock()

	current, err := s.repo.GetVisit(ctx, id)
	if err != nil {
		s.metrics.RecordMutation(string(store.Visits), "set_status", err)
		return err
	}
	if current.Status == status {
		s.metrics.RecordMutation(string(store.Visits), "set_status", nil)
		return nil
	}
	err = s.repo.SetVisitStatus(ctx, id, status)
	s.metrics.RecordMutation(string(store.Visits), "set_status", err)
	if err != nil {
		return err
	}
	s.broadcast(ctx, store.Visits)
	s.publish(events.New(events.VisitStatusChanged, id, map[string]clinic.VisitStatus{
		"from": current.Status,
		"to":   status,
	}))
	return nil
}

func (s *Service) CreateUser(ctx context.Context, u clinic.AppUser) error {
	// Passwords never leave the server in events.
	payload := map[string]string{"id": u.ID, "username": u.Username, "role": string(u.Role)}
	return s.mutate(ctx, store.Users, "create", func() error {
		return s.repo.CreateUser(ctx, u)
	}, events.New(events.UserCreated, u.ID, payload))
}

func (s *Service) DeleteUser(ctx context.Context, id string) error {
	return s.mutate(ctx, store.Users, "delete", func() error {
		return s.repo.DeleteUser(ctx, id)
	}, events.New(events.UserDeleted, id, nil))
}

func (s *Service) mutate(ctx context.Context, c store.Collection, op string, commit func() error, ev events.Event) error {
	lock := s.locks[c]
	lock.Lock()
	defer lock.Unlock()

	err := commit()
	s.metrics.RecordMutation(string(c), op, err)
	if err != nil {
		return err
	}
	s.broadcast(ctx, c)
	s.publish(ev)
	return nil
}

// broadcast pushes the current content of c. Callers hold the lock of c.
func (s *Service) broadcast(ctx context.Context, c store.Collection) {
	ev, err := s.snapshotEvent(ctx, c)
	if err != nil {
		s.log.Error().Err(err).Str("collection", string(c)).Msg("snapshot for broadcast failed")
		return
	}
	s.hub.Broadcast(string(c), ev)
	s.metrics.RecordBroadcast(string(c))
}

func (s *Service) snapshotEvent(ctx context.Context, c store.Collection) (websocket.Event, error) {
	keyed, err := s.keyed(ctx, c)
	if err != nil {
		return websocket.Event{}, err
	}
	data, err := json.Marshal(keyed)
	if err != nil {
		return websocket.Event{}, fmt.Errorf("encode %s: %w", c, err)
	}
	return websocket.Event{
		Type:      websocket.EventCollectionReplaced,
		Topic:     string(c),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// subscribe is the hub's subscribe hook. Each topic is registered and its
// first snapshot queued under the collection lock.
func (s *Service) subscribe(client *websocket.Client, topics []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, topic := range topics {
		c := store.Collection(topic)
		lock, ok := s.locks[c]
		if !ok {
			s.log.Warn().Str("topic", topic).Str("client_id", client.ID).Msg("subscribe to unknown collection ignored")
			continue
		}
		lock.Lock()
		s.hub.Subscribe(client, []string{topic})
		ev, err := s.snapshotEvent(ctx, c)
		if err != nil {
			s.log.Error().Err(err).Str("collection", topic).Msg("initial snapshot failed")
		} else {
			s.hub.SendTo(client, ev)
		}
		lock.Unlock()
	}
	s.metrics.SetClients(s.hub.ClientCount())
}

// publish queues ev behind every earlier event. A full queue drops the
// event rather than stall the commit path.
func (s *Service) publish(ev events.Event) {
	select {
	case s.queue <- ev:
	default:
		s.metrics.RecordEventFailure()
		s.log.Warn().Str("type", ev.Type).Str("entity_id", ev.EntityID).Msg("event queue full, event dropped")
	}
}

func (s *Service) publishLoop() {
	defer close(s.done)
	for ev := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := s.events.Publish(ctx, ev); err != nil {
			s.metrics.RecordEventFailure()
			s.log.Warn().Err(err).Str("type", ev.Type).Str("entity_id", ev.EntityID).Msg("event publish failed")
		}
		cancel()
	}
}
