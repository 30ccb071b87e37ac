package notify

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNotifySettlementSkipsWhenDisabled(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(Config{DiscordURL: srv.URL, Enabled: false})
	n.NotifySettlement(SettlementEvent{Difficulty: 10})
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("expected no webhook calls while disabled, got %d", hits)
	}
}

func TestNotifySettlementPostsToConfiguredTargets(t *testing.T) {
	var discordHits, slackHits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/discord":
			atomic.AddInt32(&discordHits, 1)
		case "/slack":
			atomic.AddInt32(&slackHits, 1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(Config{DiscordURL: srv.URL + "/discord", SlackURL: srv.URL + "/slack", Enabled: true})
	n.NotifySettlement(SettlementEvent{Difficulty: 12, RewardsEarned: 500, PoolBalance: 1000, NumClients: 3, NumContributors: 2})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&discordHits) == 1 && atomic.LoadInt32(&slackHits) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if atomic.LoadInt32(&discordHits) != 1 {
		t.Errorf("discord hits = %d, want 1", discordHits)
	}
	if atomic.LoadInt32(&slackHits) != 1 {
		t.Errorf("slack hits = %d, want 1", slackHits)
	}
}

func TestPostWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(Config{Enabled: true})
	n.postWithRetry(srv.URL, []byte(`{}`), "test")

	if got := atomic.LoadInt32(&hits); got != MaxRetries+1 {
		t.Errorf("expected %d attempts, got %d", MaxRetries+1, got)
	}
}
