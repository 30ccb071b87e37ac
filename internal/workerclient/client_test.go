package workerclient

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orepool/orepool/internal/auth"
	"github.com/orepool/orepool/internal/protocol"
)

var upgrader = websocket.Upgrader{}

// newTestServer builds an httptest server that serves /v1/timestamp and
// upgrades /v1/ws, handing the raw *websocket.Conn to onConn for the test to
// drive directly — standing in for the pool server side of the protocol.
func newTestServer(t *testing.T, onConn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/timestamp", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(struct {
			Timestamp int64 `json:"timestamp"`
		}{Timestamp: time.Now().Unix()})
	})
	mux.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("test server upgrade: %v", err)
			return
		}
		go onConn(conn)
	})
	return httptest.NewServer(mux)
}

func TestClientHandshakeSendsValidReadyFrame(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	readyReceived := make(chan *protocol.Ready, 1)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		r, err := protocol.DecodeReady(data)
		if err != nil {
			t.Errorf("decode ready: %v", err)
			return
		}
		readyReceived <- r
	})
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL, Signer: auth.NewEd25519Signer(priv), Threads: 1})

	conn, err := c.connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	if err := c.sendReady(conn); err != nil {
		t.Fatalf("sendReady: %v", err)
	}

	select {
	case r := <-readyReceived:
		if string(r.Pubkey[:]) != string(pub) {
			t.Errorf("ready pubkey mismatch")
		}
		verifier := auth.Ed25519Verifier{}
		if !verifier.Verify(pub, auth.TimestampMessage(r.Timestamp), r.Signature) {
			t.Error("expected the ready frame's signature to verify against its own timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the ready frame")
	}
}

func TestClientRunsAssignmentAndSubmitsBestSolution(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	solutionReceived := make(chan *protocol.BestSolution, 4)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		// drain the ready frame
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		sm := &protocol.StartMining{
			Challenge:  [32]byte{1, 2, 3},
			Cutoff:     1,
			NonceStart: 0,
			NonceEnd:   2000,
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, sm.Encode()); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if len(data) == 0 || data[0] != protocol.TagBestSolution {
				continue
			}
			bs, err := protocol.DecodeBestSolution(data)
			if err != nil {
				continue
			}
			select {
			case solutionReceived <- bs:
			default:
			}
		}
	})
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL, Signer: auth.NewEd25519Signer(priv), Threads: 1, Buffer: 0})
	conn, err := c.connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	if err := c.sendReady(conn); err != nil {
		t.Fatalf("sendReady: %v", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read start-mining: %v", err)
	}
	sm, err := protocol.DecodeStartMining(data)
	if err != nil {
		t.Fatalf("decode start-mining: %v", err)
	}

	c.handleAssignment(context.Background(), conn, sm)

	select {
	case bs := <-solutionReceived:
		verifier := auth.Ed25519Verifier{}
		if !verifier.Verify(bs.Pubkey[:], auth.SubmissionMessage(bs.Digest, bs.Nonce), bs.Signature) {
			t.Error("expected the submitted solution's signature to verify")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a submitted solution")
	}
}
