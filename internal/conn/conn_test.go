package conn

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestUpgradeRegistersByAddress(t *testing.T) {
	m := NewManager(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := m.Upgrade(w, r, "worker-1", "1.2.3.4", []byte("pubkey"), 1); err != nil {
			t.Errorf("Upgrade: %v", err)
		}
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	time.Sleep(50 * time.Millisecond)
	if m.Count() != 1 {
		t.Fatalf("expected 1 registered connection, got %d", m.Count())
	}
	c, ok := m.Get("worker-1")
	if !ok {
		t.Fatal("expected connection registered under worker-1")
	}
	if c.MinerID != 1 {
		t.Errorf("MinerID = %d, want 1", c.MinerID)
	}
}

func TestRemoveInvokesOnDisconnect(t *testing.T) {
	m := NewManager(0)
	var disconnected string
	m.OnDisconnect(func(address string) { disconnected = address })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Upgrade(w, r, "worker-2", "1.2.3.4", nil, 2)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	time.Sleep(50 * time.Millisecond)

	m.Remove("worker-2")
	if disconnected != "worker-2" {
		t.Errorf("onDisconnect address = %q, want worker-2", disconnected)
	}
	if _, ok := m.Get("worker-2"); ok {
		t.Error("expected worker-2 to be removed from the registry")
	}
}

func TestUpgradeAtSameAddressEvictsPrevious(t *testing.T) {
	m := NewManager(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Upgrade(w, r, "worker-3", "1.2.3.4", nil, 3)
	}))
	defer srv.Close()
	wsURL := "ws" + srv.URL[len("http"):]

	ws1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	defer ws1.Close()
	time.Sleep(30 * time.Millisecond)

	ws2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial 2: %v", err)
	}
	defer ws2.Close()
	time.Sleep(30 * time.Millisecond)

	if m.Count() != 1 {
		t.Errorf("expected exactly one live connection at worker-3, got %d", m.Count())
	}
}

func TestAllowIPEnforcesCap(t *testing.T) {
	m := NewManager(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.AllowIP("5.6.7.8") {
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		m.Upgrade(w, r, r.URL.Query().Get("addr"), "5.6.7.8", nil, 0)
	}))
	defer srv.Close()
	wsURL := "ws" + srv.URL[len("http"):]

	ws1, _, err := websocket.DefaultDialer.Dial(wsURL+"?addr=a", nil)
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	defer ws1.Close()
	ws2, _, err := websocket.DefaultDialer.Dial(wsURL+"?addr=b", nil)
	if err != nil {
		t.Fatalf("dial 2: %v", err)
	}
	defer ws2.Close()
	time.Sleep(30 * time.Millisecond)

	if m.Count() != 2 {
		t.Fatalf("expected 2 connections before the cap trips, got %d", m.Count())
	}
	if m.AllowIP("5.6.7.8") {
		t.Error("expected AllowIP to reject a third connection from the same IP at cap 2")
	}
}

func TestResolveMinerIDRequiresMatchingPubkey(t *testing.T) {
	m := NewManager(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Upgrade(w, r, "worker-4", "9.9.9.9", []byte("realkey"), 42)
	}))
	defer srv.Close()
	wsURL := "ws" + srv.URL[len("http"):]

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	time.Sleep(30 * time.Millisecond)

	if minerID, ok := m.ResolveMinerID("worker-4", []byte("realkey")); !ok || minerID != 42 {
		t.Errorf("ResolveMinerID = (%d, %v), want (42, true)", minerID, ok)
	}
	if _, ok := m.ResolveMinerID("worker-4", []byte("wrongkey")); ok {
		t.Error("expected a pubkey mismatch to fail resolution")
	}
	if _, ok := m.ResolveMinerID("no-such-worker", []byte("realkey")); ok {
		t.Error("expected an unregistered address to fail resolution")
	}
}
