package replicated

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/websocket"
	"github.com/samehmaged/Minya-diabetes-system/internal/store"
	"github.com/samehmaged/Minya-diabetes-system/internal/store/local"
	"github.com/samehmaged/Minya-diabetes-system/internal/store/storetest"
	"github.com/samehmaged/Minya-diabetes-system/internal/syncserver"
)

// startServer runs a replication server on an in-memory repository.
func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	repo, err := local.OpenStorage(storage.NewMemStorage(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	hub := websocket.NewHub(zerolog.Nop())
	svc := syncserver.NewService(repo, hub, nil, nil, zerolog.Nop())

	e := echo.New()
	e.HideBanner = true
	syncserver.NewHandler(svc, hub).RegisterRoutes(e.Group("/api/v1"))

	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
		repo.Close()
	})
	return srv
}

func newClient(t *testing.T, serverURL string) *Store {
	t.Helper()
	s, err := New(serverURL, zerolog.Nop(), Options{
		MinBackoff:     10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestReplicatedStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newClient(t, startServer(t).URL)
	})
}

func TestNew_RejectsBadScheme(t *testing.T) {
	if _, err := New("ftp://clinic", zerolog.Nop(), Options{}); err == nil {
		t.Error("expected error for ftp scheme")
	}
	s, err := New("https://clinic.example/", zerolog.Nop(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.wsURL != "wss://clinic.example/api/v1/ws" {
		t.Errorf("unexpected ws url %s", s.wsURL)
	}
	if s.base != "https://clinic.example/api/v1" {
		t.Errorf("unexpected base %s", s.base)
	}
}

func TestReplicatedStore_PushesOtherClientsWrites(t *testing.T) {
	srv := startServer(t)
	reader := newClient(t, srv.URL)
	writer := newClient(t, srv.URL)
	defer reader.Close()
	defer writer.Close()
	ctx := context.Background()

	snaps := make(chan store.Snapshot, 16)
	cancel, err := reader.Subscribe(ctx, store.Visits, func(s store.Snapshot) { snaps <- s })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()
	storetest.WaitSnapshot(t, snaps, func(s store.Snapshot) bool { return s.Len() == 0 })

	if err := writer.CreatePatient(ctx, storetest.SamplePatient("p-1")); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	if err := writer.CreateVisit(ctx, storetest.SampleVisit("v-1", "p-1", "2025-03-14")); err != nil {
		t.Fatalf("CreateVisit: %v", err)
	}
	snap := storetest.WaitSnapshot(t, snaps, func(s store.Snapshot) bool { return s.Len() == 1 })
	if snap.Visits[0].ID != "v-1" || snap.Visits[0].Status != clinic.StatusPrescribed {
		t.Fatalf("unexpected pushed visit %+v", snap.Visits[0])
	}

	if err := writer.SetVisitStatus(ctx, "v-1", clinic.StatusDispensed); err != nil {
		t.Fatalf("SetVisitStatus: %v", err)
	}
	storetest.WaitSnapshot(t, snaps, func(s store.Snapshot) bool {
		return s.Len() == 1 && s.Visits[0].Status == clinic.StatusDispensed
	})
	if !reader.Connected() {
		t.Error("reader should report connected")
	}
}

func TestReplicatedStore_CancelStopsDelivery(t *testing.T) {
	srv := startServer(t)
	s := newClient(t, srv.URL)
	defer s.Close()
	ctx := context.Background()

	snaps := make(chan store.Snapshot, 16)
	cancel, err := s.Subscribe(ctx, store.Patients, func(snap store.Snapshot) { snaps <- snap })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	storetest.WaitSnapshot(t, snaps, func(store.Snapshot) bool { return true })
	cancel()
	cancel() // idempotent

	if err := s.CreatePatient(ctx, storetest.SamplePatient("p-1")); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	select {
	case snap := <-snaps:
		t.Fatalf("received snapshot after cancel: %+v", snap)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReplicatedStore_ServerDown(t *testing.T) {
	srv := startServer(t)
	url := srv.URL
	srv.Close()

	s := newClient(t, url)
	defer s.Close()

	if _, err := s.ListPatients(context.Background()); !errors.Is(err, clinic.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if s.Connected() {
		t.Error("store must report disconnected")
	}

	// Subscribing while offline is allowed; the subscription retries.
	cancel, err := s.Subscribe(context.Background(), store.Users, func(store.Snapshot) {})
	if err != nil {
		t.Fatalf("Subscribe offline: %v", err)
	}
	cancel()
}

func TestReplicatedStore_ValidatesBeforeSending(t *testing.T) {
	// Nothing listens here; a validation error must come back without a
	// network round trip.
	s := newClient(t, "http://127.0.0.1:1")
	defer s.Close()

	p := storetest.SamplePatient("")
	if err := s.CreatePatient(context.Background(), p); !errors.Is(err, clinic.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := s.Subscribe(context.Background(), "drugs", func(store.Snapshot) {}); !errors.Is(err, clinic.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown collection, got %v", err)
	}
}

func TestReplicatedStore_SubscribeAfterClose(t *testing.T) {
	s := newClient(t, "http://127.0.0.1:1")
	s.Close()
	if _, err := s.Subscribe(context.Background(), store.Patients, func(store.Snapshot) {}); err == nil {
		t.Error("expected error after Close")
	}
}

func TestDecodeSnapshot(t *testing.T) {
	snap, err := decodeSnapshot(store.Users, []byte(`{"u-2":{"id":"u-2","username":"zed"},"u-1":{"id":"u-1","username":"amr"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Users) != 2 || snap.Users[0].Username != "amr" {
		t.Errorf("unexpected users %+v", snap.Users)
	}
	if _, err := decodeSnapshot(store.Visits, []byte(`[1,2]`)); err == nil {
		t.Error("expected decode error for a list")
	}
}
