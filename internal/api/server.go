// Package api provides the pool's peripheral HTTP surface: the worker
// handshake's timestamp anchor, the websocket upgrade endpoint, the claim
// submission endpoint, and read-only stats. Adapted from the teacher's
// internal/api/server.go (gin engine, CORS middleware, stats cache).
package api

import (
	"context"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orepool/orepool/internal/auth"
	"github.com/orepool/orepool/internal/config"
	"github.com/orepool/orepool/internal/conn"
	"github.com/orepool/orepool/internal/errs"
	"github.com/orepool/orepool/internal/reward"
	"github.com/orepool/orepool/internal/store"
	"github.com/orepool/orepool/internal/util"
)

// Server is the pool's peripheral HTTP API.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	connMgr  *conn.Manager
	claims   *reward.Queue
	verifier auth.Verifier
	poolID   int64
	frames   conn.FrameHandler

	router *gin.Engine
	server *http.Server

	connCtx    context.Context
	connCancel context.CancelFunc

	statsCacheMu   sync.RWMutex
	statsCache     *StatsResponse
	statsCacheTime time.Time
}

// StatsCacheTTL bounds how long a /v1/stats response is served from cache
// before recomputing from the store (teacher's internal/api/server.go
// caches the same way against Redis; here against sqlite).
const StatsCacheTTL = 5 * time.Second

// NewServer builds the peripheral API server.
func NewServer(cfg *config.Config, s *store.Store, connMgr *conn.Manager, claims *reward.Queue, verifier auth.Verifier, poolID int64) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		cfg: cfg, store: s, connMgr: connMgr, claims: claims, verifier: verifier, poolID: poolID, router: router,
		connCtx: ctx, connCancel: cancel,
	}
	srv.setupRoutes()
	return srv
}

// SetFrameHandler wires the handler that every upgraded socket's read loop
// dispatches decoded frames to. Must be called before Start; it is separate
// from NewServer because the handler is built from the epoch coordinator's
// ready set and ingress pipeline, which the api package must not import
// directly (spec.md §3 ownership: api only wires sockets, it never touches
// epoch state).
func (s *Server) SetFrameHandler(h conn.FrameHandler) {
	s.frames = h
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		origin := "*"
		if len(s.cfg.API.CORSOrigins) > 0 {
			origin = s.cfg.API.CORSOrigins[0]
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	v1 := s.router.Group("/v1")
	{
		v1.GET("/timestamp", s.handleTimestamp)
		v1.GET("/ws", s.handleWS)
		v1.POST("/claim", s.handleClaim)
		if s.cfg.API.Stats {
			v1.GET("/stats", s.handleStats)
		}
	}

	s.router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
}

// Start begins serving the API on cfg.API.Bind.
func (s *Server) Start() error {
	s.server = &http.Server{Addr: s.cfg.API.Bind, Handler: s.router}
	util.Infof("api: listening on %s", s.cfg.API.Bind)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("api: server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts down the API server and closes every active worker socket.
func (s *Server) Stop() error {
	s.connCancel()
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

// handleTimestamp returns the server's clock, the anchor a worker signs
// over to build its handshake Ready frame (spec.md §4.2 freshness window).
func (s *Server) handleTimestamp(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"timestamp": time.Now().Unix()})
}

// handleWS upgrades an authenticated worker to a persistent binary socket.
// Authentication happens before the websocket handshake: "Authorization:
// Basic base64(pubkeyhex:sig)" where sig is an ascii-encoded ed25519
// signature over the ts query parameter, matching auth.TimestampMessage.
func (s *Server) handleWS(c *gin.Context) {
	ip := clientIP(c.Request)
	if !s.connMgr.AllowIP(ip) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this address"})
		return
	}

	cred, err := auth.ParseBasicAuth(c.GetHeader("Authorization"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	ts, err := strconv.ParseUint(c.Query("ts"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid ts query parameter"})
		return
	}

	if err := auth.VerifyHandshake(s.verifier, cred.Pubkey, ts, cred.Signature, time.Now()); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	pubkeyHex := hex.EncodeToString(cred.Pubkey)
	miner, err := s.store.GetOrCreateMiner(c.Request.Context(), pubkeyHex)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register worker"})
		return
	}

	address := c.Query("addr")
	if address == "" {
		address = pubkeyHex
	}

	upgraded, err := s.connMgr.Upgrade(c.Writer, c.Request, address, ip, cred.Pubkey, miner.ID)
	if err != nil {
		util.Warnf("api: websocket upgrade failed for %s: %v", address, err)
		return
	}

	if s.frames != nil {
		go s.connMgr.Serve(s.connCtx, upgraded, s.frames)
	}
}

// ClaimRequestBody is the JSON body of POST /v1/claim.
type ClaimRequestBody struct {
	Pubkey                string `json:"pubkey"`
	ReceiverPubkey        string `json:"receiver_pubkey"`
	AmountGrains          uint64 `json:"amount_grains"`
	ReceiverAccountExists bool   `json:"receiver_account_exists"`
	Timestamp             uint64 `json:"timestamp"`
	Signature             string `json:"signature"`
}

// handleClaim admits a claim request into the claim queue (spec.md §4.6).
func (s *Server) handleClaim(c *gin.Context) {
	var body ClaimRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	pubkey, err := hex.DecodeString(body.Pubkey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pubkey encoding"})
		return
	}
	receiverPubkey, err := hex.DecodeString(body.ReceiverPubkey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid receiver_pubkey encoding"})
		return
	}
	signature, err := hex.DecodeString(body.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature encoding"})
		return
	}

	miner, err := s.store.GetOrCreateMiner(c.Request.Context(), body.Pubkey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve worker"})
		return
	}

	req := reward.ClaimRequest{
		MinerID: miner.ID, Pubkey: pubkey, ReceiverPubkey: receiverPubkey,
		AmountGrains: body.AmountGrains, ReceiverAccountExists: body.ReceiverAccountExists,
		Timestamp: body.Timestamp, Signature: signature,
	}

	if err := s.claims.Submit(c.Request.Context(), req, time.Now()); err != nil {
		c.JSON(statusForErr(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// StatsResponse is the /v1/stats response.
type StatsResponse struct {
	PoolID            int64  `json:"pool_id"`
	TotalRewards      uint64 `json:"total_rewards_grains"`
	ClaimedRewards    uint64 `json:"claimed_rewards_grains"`
	ContributionCount int64  `json:"contribution_count"`
	ConnectedWorkers  int    `json:"connected_workers"`
	Now               int64  `json:"now"`
}

func (s *Server) handleStats(c *gin.Context) {
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < StatsCacheTTL {
		cached := s.statsCache
		s.statsCacheMu.RUnlock()
		c.JSON(http.StatusOK, cached)
		return
	}
	s.statsCacheMu.RUnlock()

	st, err := s.store.GetStats(c.Request.Context(), s.poolID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	resp := &StatsResponse{
		PoolID: st.Pool.ID, TotalRewards: st.Pool.TotalRewards, ClaimedRewards: st.Pool.ClaimedRewards,
		ContributionCount: st.ContributionCount, ConnectedWorkers: s.connMgr.Count(), Now: time.Now().Unix(),
	}

	s.statsCacheMu.Lock()
	s.statsCache = resp
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	c.JSON(http.StatusOK, resp)
}

// statusForErr maps a categorized *errs.Error to an HTTP status; an
// unclassified error falls back to 500.
func statusForErr(err error) int {
	switch {
	case errs.Is(err, errs.AuthFailure):
		return http.StatusUnauthorized
	case errs.Is(err, errs.ContractViolation), errs.Is(err, errs.InvalidDigest):
		return http.StatusUnprocessableEntity
	case errs.Is(err, errs.TransientNetwork), errs.Is(err, errs.TransientProtocol):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// clientIP extracts the caller's address for the per-IP connection cap,
// preferring the parsed RemoteAddr over any proxy header since the pool
// expects direct connections (spec.md Non-goal: no reverse-proxy trust
// chain is assumed).
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
