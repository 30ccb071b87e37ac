// Package workerclient drives the worker side of the persistent
// bidirectional channel (spec.md §5 "worker client cycle"): dial, handshake,
// wait for a nonce-range dispatch, run the hash search engine against it, and
// stream improving solutions back until the epoch's cutoff. Grounded on the
// teacher's internal/slave/websocket.go client loop shape (one goroutine per
// connection, a single writer-locked send path) mirrored onto the dial side.
package workerclient

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orepool/orepool/internal/auth"
	"github.com/orepool/orepool/internal/protocol"
	"github.com/orepool/orepool/internal/search"
	"github.com/orepool/orepool/internal/util"
)

// IdleHandshakeTimeout closes the socket if no frame from the server arrives
// within this long of the last Ready frame sent (at connect and after each
// assignment) or of the last PoolSubmissionResult received (spec.md §4.3
// rule 3).
const IdleHandshakeTimeout = 180 * time.Second

// ReconnectBackoff is the pause between a dropped session and the next
// dial attempt.
const ReconnectBackoff = 2 * time.Second

// Config configures a worker Client.
type Config struct {
	ServerURL string // e.g. "http://pool.example.com:8080"
	Address   string // this socket's registration address; defaults to the pubkey hex if empty
	Signer    auth.Signer
	Threads   int           // hash search worker count; <= 0 means runtime.NumCPU()
	Buffer    time.Duration // time reserved before cutoff for the final submission round-trip
}

// Client is one worker's connection lifecycle.
type Client struct {
	cfg Config

	httpClient *http.Client
	stopped    atomic.Bool
}

// NewClient builds a worker Client from cfg.
func NewClient(cfg Config) *Client {
	if cfg.Address == "" {
		cfg.Address = hex.EncodeToString(cfg.Signer.PublicKey())
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

// Stop sets the stop flag. Run checks it before each dial and when a session
// ends, and then returns instead of reconnecting; the flag alone does not
// interrupt an in-flight session, search or backoff wait.
func (c *Client) Stop() {
	c.stopped.Store(true)
}

// Run dials, authenticates, and serves epochs until ctx is cancelled or Stop
// is called, reconnecting with ReconnectBackoff between attempts.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil || c.stopped.Load() {
			return nil
		}

		conn, err := c.connect(ctx)
		if err != nil {
			util.Warnf("workerclient: connect to %s failed, retrying: %v", c.cfg.ServerURL, err)
			if !c.sleepBackoff(ctx) {
				return nil
			}
			continue
		}

		err = c.session(ctx, conn)
		conn.Close()

		if ctx.Err() != nil || c.stopped.Load() {
			return nil
		}
		util.Warnf("workerclient: session ended, reconnecting: %v", err)
		if !c.sleepBackoff(ctx) {
			return nil
		}
	}
}

func (c *Client) sleepBackoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(ReconnectBackoff):
		return true
	}
}

// connect fetches the server's clock, signs a handshake, and upgrades to a
// worker socket.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	ts, err := c.fetchTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("workerclient: fetch timestamp: %w", err)
	}

	sig := c.cfg.Signer.Sign(auth.TimestampMessage(ts))
	cred := hex.EncodeToString(c.cfg.Signer.PublicKey()) + ":" + string(sig)
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cred)))

	wsURL := strings.Replace(strings.Replace(c.cfg.ServerURL, "https://", "wss://", 1), "http://", "ws://", 1)
	wsURL = fmt.Sprintf("%s/v1/ws?ts=%d&addr=%s", wsURL, ts, url.QueryEscape(c.cfg.Address))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) fetchTimestamp(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ServerURL+"/v1/timestamp", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var body struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode timestamp response: %w", err)
	}
	return uint64(body.Timestamp), nil
}

// session serves one socket until it errors or the idle-handshake timeout
// expires: announce readiness, then alternate between waiting for a
// dispatch and mining it.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) error {
	if err := c.sendReady(conn); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(IdleHandshakeTimeout))

	for {
		if ctx.Err() != nil {
			return nil
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}

		switch data[0] {
		case protocol.TagReadyOrStart:
			sm, err := protocol.DecodeStartMining(data)
			if err != nil {
				util.Warnf("workerclient: malformed start-mining frame, ignoring: %v", err)
				continue
			}
			c.handleAssignment(ctx, conn, sm)
			if err := c.sendReady(conn); err != nil {
				return fmt.Errorf("send ready: %w", err)
			}
			conn.SetReadDeadline(time.Now().Add(IdleHandshakeTimeout))

		case protocol.TagMiningOrResult:
			res, err := protocol.DecodePoolSubmissionResult(data)
			if err != nil {
				util.Warnf("workerclient: malformed submission-result frame, ignoring: %v", err)
				continue
			}
			util.Infof("workerclient: epoch settled: difficulty=%d miner_difficulty=%d miner_earned=%.0f miner_pct=%.4f active_miners=%d",
				res.Difficulty, res.MinerDifficulty, res.MinerEarned, res.MinerPercentage, res.ActiveMiners)
			conn.SetReadDeadline(time.Now().Add(IdleHandshakeTimeout))

		default:
			util.Warnf("workerclient: unknown frame tag %d", data[0])
		}
	}
}

// handleAssignment runs the hash search engine against one StartMining
// dispatch, streaming strictly-improving solutions and always finishing
// with one final submission at cutoff regardless of whether that exact
// candidate was already sent (spec.md §4.7 step 5, Open Question (c)).
func (c *Client) handleAssignment(ctx context.Context, conn *websocket.Conn, sm *protocol.StartMining) {
	deadline := time.Now().Add(time.Duration(sm.Cutoff) * time.Second)
	if c.cfg.Buffer > 0 {
		deadline = deadline.Add(-c.cfg.Buffer)
	}
	searchCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	engine := search.NewEngine(c.cfg.Threads)
	assignment := search.Assignment{Challenge: sm.Challenge, NonceStart: sm.NonceStart, NonceEnd: sm.NonceEnd}

	var sentDifficulty uint32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for sol := range engine.Updates {
			if sol.Difficulty <= sentDifficulty {
				continue
			}
			sentDifficulty = sol.Difficulty
			c.sendBestSolution(conn, sol)
		}
	}()

	best, ok := engine.Run(searchCtx, assignment)
	close(engine.Updates)
	wg.Wait()

	if ok {
		c.sendBestSolution(conn, best)
	}
}

func (c *Client) sendReady(conn *websocket.Conn) error {
	ts := uint64(time.Now().Unix())
	r := &protocol.Ready{Timestamp: ts, Signature: c.cfg.Signer.Sign(auth.TimestampMessage(ts))}
	copy(r.Pubkey[:], c.cfg.Signer.PublicKey())
	return c.writeFrame(conn, r.Encode())
}

func (c *Client) sendBestSolution(conn *websocket.Conn, sol search.Solution) {
	s := &protocol.BestSolution{
		Digest:    sol.Digest,
		Nonce:     sol.Nonce,
		Signature: c.cfg.Signer.Sign(auth.SubmissionMessage(sol.Digest, sol.Nonce)),
	}
	copy(s.Pubkey[:], c.cfg.Signer.PublicKey())
	if err := c.writeFrame(conn, s.Encode()); err != nil {
		util.Warnf("workerclient: failed to submit solution (nonce=%d difficulty=%d): %v", sol.Nonce, sol.Difficulty, err)
	}
}

var writeMu sync.Mutex

func (c *Client) writeFrame(conn *websocket.Conn, frame []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// GenerateKeypair is a convenience wrapper used by cmd/ore-miner when no
// wallet keypair file is configured.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}
