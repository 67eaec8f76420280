package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRunInternetProbeDetectsReachability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Config{
		InternetProbeURLs:    []string{srv.URL},
		InternetProbeTimeout: time.Second,
	}, nil, nil, nil)

	if s.Offline() {
		t.Fatal("scheduler should start optimistic (online) before the first probe")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.wg.Add(1)
	done := make(chan struct{})
	go func() {
		s.runInternetProbe(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if s.Offline() {
		t.Fatal("expected online after probing a reachable URL")
	}

	cancel()
	<-done
}

func TestRunInternetProbeMarksOfflineWhenUnreachable(t *testing.T) {
	s := New(Config{
		InternetProbeURLs:    []string{"http://127.0.0.1:1"}, // nothing listens here
		InternetProbeTimeout: 200 * time.Millisecond,
	}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.wg.Add(1)
	done := make(chan struct{})
	go func() {
		s.runInternetProbe(ctx)
		close(done)
	}()

	time.Sleep(300 * time.Millisecond)
	if !s.Offline() {
		t.Fatal("expected offline when no configured URL is reachable")
	}

	cancel()
	<-done
}

func TestProviderUnhealthyReflectsLastProbe(t *testing.T) {
	s := New(Config{}, nil, nil, nil)

	if unhealthy, _, _ := s.ProviderUnhealthy("unknown"); unhealthy {
		t.Fatal("a provider never probed should not report unhealthy")
	}

	s.mu.Lock()
	s.states["flaky"] = &providerState{healthy: false, lastError: "boom", lastCheckedAt: time.Now()}
	s.mu.Unlock()

	unhealthy, msg, within := s.ProviderUnhealthy("flaky")
	if !unhealthy || msg != "boom" {
		t.Fatalf("expected unhealthy=true msg=boom, got %v %q", unhealthy, msg)
	}
	if within < 0 || within > time.Second {
		t.Fatalf("expected a small recency window, got %v", within)
	}
}

func TestSnapshotsReturnsAllTrackedProviders(t *testing.T) {
	s := New(Config{}, nil, nil, nil)
	s.mu.Lock()
	s.states["a"] = &providerState{healthy: true, lastCheckedAt: time.Now()}
	s.states["b"] = &providerState{healthy: false, lastError: "down", lastCheckedAt: time.Now()}
	s.mu.Unlock()

	snaps := s.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
}
