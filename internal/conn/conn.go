// Package conn is the connection manager (C6): accepts authenticated
// worker sockets, tracks them by network address, and evicts on ping
// failure or pong timeout. Adapted from the teacher's
// internal/slave/websocket.go client registry (sync.Map keyed by ID,
// per-socket write mutex, read/write goroutine pair per client), re-keyed
// by address per spec.md §4.3 ("registers them by their network address").
package conn

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orepool/orepool/internal/util"
)

const (
	// PingInterval is the cadence at which the manager pings every socket.
	PingInterval = 30 * time.Second
	// PongSweepInterval is the cadence of the pong-timeout sweep.
	PongSweepInterval = 45 * time.Second
	// PongTTL is the max age of the last observed pong before eviction.
	PongTTL = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one registered worker socket.
type Conn struct {
	Address         string
	IP              string
	Pubkey          []byte
	MinerID         int64
	ProtocolVersion uint8

	socket *websocket.Conn

	writeMu  sync.Mutex
	lastPong atomic.Int64
}

// Send writes a binary frame to the socket under its exclusive write lock,
// so interleaved sends never tear a frame (spec.md §5).
func (c *Conn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.socket.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("conn: send to %s: %w", c.Address, err)
	}
	return nil
}

// SendText writes a text-frame diagnostic to the socket, used for the
// single textual error a rejected submission's sender is allowed to see
// (spec.md §7 "the offending peer sees at most one textual diagnostic").
// It never evicts the connection on failure — a diagnostic is best-effort.
func (c *Conn) SendText(msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.socket.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Ping sends a ping control frame.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.socket.WriteMessage(websocket.PingMessage, nil)
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.socket.Close()
}

func (c *Conn) touchPong() {
	c.lastPong.Store(time.Now().Unix())
}

func (c *Conn) pongAge() time.Duration {
	return time.Since(time.Unix(c.lastPong.Load(), 0))
}

// Manager owns the set of registered worker sockets. A worker may hold at
// most one active socket per address; when a socket is removed, any
// outstanding nonce-range assignment is simply abandoned (the epoch
// coordinator only holds the address as a key, never a reference).
type Manager struct {
	mu      sync.RWMutex
	byAddr  map[string]*Conn
	perIP   map[string]int
	maxPerIP int

	onDisconnect func(address string)
}

// NewManager builds an empty connection manager. maxPerIP <= 0 disables the
// per-IP connection cap (the narrow piece of the teacher's connection-limit
// policy this spec still needs, without the rest of its ban/rate-limit
// subsystem).
func NewManager(maxPerIP int) *Manager {
	return &Manager{byAddr: make(map[string]*Conn), perIP: make(map[string]int), maxPerIP: maxPerIP}
}

// AllowIP reports whether ip is still under its connection cap, without
// reserving a slot. Call before Upgrade so a rejected request never opens a
// websocket handshake.
func (m *Manager) AllowIP(ip string) bool {
	if m.maxPerIP <= 0 {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.perIP[ip] < m.maxPerIP
}

// OnDisconnect registers a callback invoked whenever a socket is evicted or
// closes, so the epoch coordinator can return the worker to consideration
// on reconnect without needing a direct reference to the socket.
func (m *Manager) OnDisconnect(fn func(address string)) {
	m.onDisconnect = fn
}

// Upgrade promotes an authenticated HTTP request to a tracked worker
// socket, keyed by address with ip recorded for the per-IP cap. Any
// existing socket at the same address is evicted first. Callers should
// check AllowIP(ip) before calling Upgrade.
func (m *Manager) Upgrade(w http.ResponseWriter, r *http.Request, address, ip string, pubkey []byte, minerID int64) (*Conn, error) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("conn: upgrade %s: %w", address, err)
	}

	c := &Conn{Address: address, IP: ip, Pubkey: pubkey, MinerID: minerID, socket: socket}
	c.touchPong()

	m.mu.Lock()
	if existing, ok := m.byAddr[address]; ok {
		m.unlockedDecrementIP(existing.IP)
		existing.Close()
	}
	m.byAddr[address] = c
	m.perIP[ip]++
	m.mu.Unlock()

	util.Infof("conn: registered worker %s (ip=%s)", address, ip)
	return c, nil
}

// Remove evicts the socket at address, if present, and invokes the
// disconnect callback.
func (m *Manager) Remove(address string) {
	m.mu.Lock()
	c, ok := m.byAddr[address]
	if ok {
		delete(m.byAddr, address)
		m.unlockedDecrementIP(c.IP)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	c.Close()
	if m.onDisconnect != nil {
		m.onDisconnect(address)
	}
}

// unlockedDecrementIP requires m.mu to be held for writing.
func (m *Manager) unlockedDecrementIP(ip string) {
	if ip == "" {
		return
	}
	m.perIP[ip]--
	if m.perIP[ip] <= 0 {
		delete(m.perIP, ip)
	}
}

// SendText writes a text diagnostic to the socket at addr, if still
// registered. Absence of the connection is not an error worth surfacing.
func (m *Manager) SendText(addr, msg string) {
	if c, ok := m.Get(addr); ok {
		_ = c.SendText(msg)
	}
}

// Get looks up a registered socket by address.
func (m *Manager) Get(address string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byAddr[address]
	return c, ok
}

// ResolveMinerID implements epoch.ConnectionResolver: a submission's address
// must still map to a registered socket carrying the same pubkey, so a
// stale or spoofed address can never be credited.
func (m *Manager) ResolveMinerID(address string, pubkey []byte) (int64, bool) {
	c, ok := m.Get(address)
	if !ok || !bytes.Equal(c.Pubkey, pubkey) {
		return 0, false
	}
	return c.MinerID, true
}

// HandlePong marks a socket's last-observed-pong time. Wire the websocket
// library's SetPongHandler to this.
func (m *Manager) HandlePong(address string) {
	if c, ok := m.Get(address); ok {
		c.touchPong()
	}
}

// Broadcast sends frame to every registered socket, evicting any socket
// whose send fails (spec.md §4.3 ping-failure eviction rule, generalized).
func (m *Manager) Broadcast(frame []byte) {
	m.mu.RLock()
	targets := make([]*Conn, 0, len(m.byAddr))
	for _, c := range m.byAddr {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			if err := c.Send(frame); err != nil {
				util.Warnf("conn: broadcast send failed for %s, evicting: %v", c.Address, err)
				m.Remove(c.Address)
			}
		}(c)
	}
	wg.Wait()
}

// Count returns the number of registered sockets.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byAddr)
}

// Addresses returns a snapshot of every registered address.
func (m *Manager) Addresses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byAddr))
	for addr := range m.byAddr {
		out = append(out, addr)
	}
	return out
}
