package conn

import (
	"context"
	"sync"
	"time"

	"github.com/orepool/orepool/internal/util"
)

// LivenessSweeper runs the two server-side eviction loops from spec.md
// §4.3: a 30s ping broadcast and a 45s pong-timeout sweep (TTL 90s). It is
// one of the server's four long-running tasks (spec.md §5).
type LivenessSweeper struct {
	manager *Manager
}

// NewLivenessSweeper wraps a Manager with its ping/pong eviction loops.
func NewLivenessSweeper(m *Manager) *LivenessSweeper {
	return &LivenessSweeper{manager: m}
}

// Run blocks until ctx is cancelled, driving both sweep loops concurrently.
func (l *LivenessSweeper) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.pingLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		l.pongSweepLoop(ctx)
	}()
	wg.Wait()
}

// pingLoop sends a ping frame to every registered socket every 30s, in
// parallel, evicting on send error (spec.md §4.3 rule 1).
func (l *LivenessSweeper) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pingAll()
		}
	}
}

func (l *LivenessSweeper) pingAll() {
	addrs := l.manager.Addresses()
	var wg sync.WaitGroup
	for _, addr := range addrs {
		c, ok := l.manager.Get(addr)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			if err := c.Ping(); err != nil {
				util.Warnf("conn: ping failed for %s, evicting: %v", c.Address, err)
				l.manager.Remove(c.Address)
			}
		}(c)
	}
	wg.Wait()
}

// pongSweepLoop runs every 45s and evicts any socket whose last observed
// pong is older than PongTTL (spec.md §4.3 rule 2).
func (l *LivenessSweeper) pongSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(PongSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweepStalePongs()
		}
	}
}

func (l *LivenessSweeper) sweepStalePongs() {
	for _, addr := range l.manager.Addresses() {
		c, ok := l.manager.Get(addr)
		if !ok {
			continue
		}
		if c.pongAge() > PongTTL {
			util.Infof("conn: evicting %s, pong age %s exceeds TTL %s", c.Address, c.pongAge(), PongTTL)
			l.manager.Remove(c.Address)
		}
	}
}

// IdleHandshakeTimeout is the client-side bound: a worker closes its own
// socket if it has not received a StartMining frame within this window of
// connecting (spec.md §4.3 rule 3, §5 "worker client cycle").
const IdleHandshakeTimeout = 180 * time.Second
