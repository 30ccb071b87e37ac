package conn

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orepool/orepool/internal/protocol"
	"github.com/orepool/orepool/internal/util"
)

// ReadTimeout bounds how long a registered socket may go without any inbound
// message (a pong, a heartbeat, or any other frame) before the read loop gives up
// and the connection is evicted (spec.md §5 "socket read: 45s receive
// timeout; on expiry, close socket and proceed to reconnect").
const ReadTimeout = 45 * time.Second

// FrameHandler processes the decoded frames a worker socket can send. It is
// implemented by the server's wiring layer (cmd/orepool-server) so this
// package stays free of any dependency on internal/epoch or internal/reward —
// conn only knows about bytes and addresses (spec.md §3 "Ownership": the
// connection manager owns sockets, the coordinator only holds keys).
type FrameHandler interface {
	// OnReady is called for a post-handshake Ready frame: the worker is
	// announcing it wants a nonce-range assignment for the next epoch.
	OnReady(addr string, pubkey []byte, timestamp uint64, signature []byte)
	// OnHeartbeat is called for a zero-payload Mining liveness frame.
	OnHeartbeat(addr string)
	// OnBestSolution is called for a decoded BestSolution submission.
	OnBestSolution(addr string, pubkey []byte, digest [16]byte, nonce uint64, signature []byte)
}

// Send implements epoch.Sender by address, so the epoch coordinator can
// dispatch StartMining frames without holding a direct socket reference.
func (m *Manager) Send(addr string, frame []byte) error {
	c, ok := m.Get(addr)
	if !ok {
		return fmt.Errorf("conn: no socket registered for %s", addr)
	}
	return c.Send(frame)
}

// Serve runs c's read loop until the socket errors, ctx is cancelled, or the
// read timeout expires, dispatching every decoded frame to h. It always ends
// by removing c from the manager. One read goroutine per connection, exactly
// as spec.md §5 describes ("each worker connection owns an independent read
// task").
func (m *Manager) Serve(ctx context.Context, c *Conn, h FrameHandler) {
	defer func() {
		// A later Upgrade at the same address may already have replaced c;
		// only evict the registration if it is still c.
		if cur, ok := m.Get(c.Address); ok && cur == c {
			m.Remove(c.Address)
		}
	}()

	c.socket.SetReadDeadline(time.Now().Add(ReadTimeout))
	c.socket.SetPongHandler(func(string) error {
		m.HandlePong(c.Address)
		c.socket.SetReadDeadline(time.Now().Add(ReadTimeout))
		return nil
	})

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				util.Warnf("conn: read error from %s, evicting: %v", c.Address, err)
			}
			return
		}
		c.socket.SetReadDeadline(time.Now().Add(ReadTimeout))

		if err := dispatchFrame(c.Address, data, h); err != nil {
			util.Errorf("conn: %v", err)
		}
	}
}

func dispatchFrame(addr string, data []byte, h FrameHandler) error {
	if len(data) == 0 {
		return fmt.Errorf("empty frame from %s", addr)
	}

	switch data[0] {
	case protocol.TagReadyOrStart:
		r, err := protocol.DecodeReady(data)
		if err != nil {
			return fmt.Errorf("decode ready frame from %s: %w", addr, err)
		}
		h.OnReady(addr, r.Pubkey[:], r.Timestamp, r.Signature)
	case protocol.TagMiningOrResult:
		if _, err := protocol.DecodeMiningHeartbeat(data); err != nil {
			return fmt.Errorf("decode heartbeat frame from %s: %w", addr, err)
		}
		h.OnHeartbeat(addr)
	case protocol.TagBestSolution:
		s, err := protocol.DecodeBestSolution(data)
		if err != nil {
			return fmt.Errorf("decode best-solution frame from %s: %w", addr, err)
		}
		h.OnBestSolution(addr, s.Pubkey[:], s.Digest, s.Nonce, s.Signature)
	default:
		return fmt.Errorf("unknown frame tag %d from %s", data[0], addr)
	}
	return nil
}
