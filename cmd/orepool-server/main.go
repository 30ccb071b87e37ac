// Command orepool-server runs the mining pool coordinator: it watches the
// configured proof account for challenge updates, runs the epoch state
// machine, accepts worker connections over the websocket frame protocol,
// and serves the peripheral HTTP surface (handshake clock, claims, stats).
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orepool/orepool/internal/api"
	"github.com/orepool/orepool/internal/auth"
	"github.com/orepool/orepool/internal/chain"
	"github.com/orepool/orepool/internal/config"
	"github.com/orepool/orepool/internal/conn"
	"github.com/orepool/orepool/internal/epoch"
	"github.com/orepool/orepool/internal/errs"
	"github.com/orepool/orepool/internal/hashx"
	"github.com/orepool/orepool/internal/metrics"
	"github.com/orepool/orepool/internal/notify"
	"github.com/orepool/orepool/internal/profiling"
	"github.com/orepool/orepool/internal/protocol"
	"github.com/orepool/orepool/internal/reward"
	"github.com/orepool/orepool/internal/store"
	"github.com/orepool/orepool/internal/util"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")

	bufferTime := flag.Duration("buffer-time", 0, "reserve this long before the on-chain deadline")
	riskTime := flag.Duration("risk-time", 0, "extend this long past the on-chain deadline")
	priorityFee := flag.Uint64("priority-fee", 0, "static priority fee (ignored if dynamic-fee is set)")
	priorityFeeCap := flag.Uint64("priority-fee-cap", 0, "priority fee clamp ceiling")
	dynamicFee := flag.Bool("dynamic-fee", false, "estimate priority fee from an external oracle")
	dynamicFeeURL := flag.String("dynamic-fee-url", "", "oracle RPC URL for -dynamic-fee")
	expectedMinDifficulty := flag.Uint("expected-min-difficulty", 0, "floor below which a contribution is rejected")
	extraFeeDifficulty := flag.Uint("extra-fee-difficulty", 0, "difficulty at/above which the priority fee is scaled up")
	extraFeePercent := flag.Uint64("extra-fee-percent", 0, "percent by which to scale the priority fee past extra-fee-difficulty")
	messagingDiff := flag.Uint("messaging-diff", 0, "minimum difficulty a worker must report before the pool logs it")
	stats := flag.Bool("stats", true, "enable the read-only /v1/stats endpoint")
	sendTPUMineTx := flag.Bool("send-tpu-mine-tx", false, "submit mine transactions over the low-latency TPU path instead of RPC")
	flag.Parse()

	if *showVersion {
		fmt.Printf("orepool-server v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyServerFlagOverrides(cfg, bufferTime, riskTime, priorityFee, priorityFeeCap, dynamicFee, dynamicFeeURL,
		expectedMinDifficulty, extraFeeDifficulty, extraFeePercent, messagingDiff, stats, sendTPUMineTx)

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.Sync()
	util.Infof("orepool-server v%s starting", version)

	signer, err := auth.LoadKeypairFile(cfg.Pool.AuthorityKeypairPath)
	if err != nil {
		util.Errorf("missing or unreadable authority wallet: %v", err)
		os.Exit(1)
	}

	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		util.Fatalf("failed to open ledger: %v", err)
	}
	defer s.Close()

	authorityHex := hex.EncodeToString(signer.Public().(ed25519.PublicKey))
	pool, err := s.GetOrCreatePool(context.Background(), authorityHex, cfg.Pool.ProofPubkey)
	if err != nil {
		util.Fatalf("failed to register pool identity: %v", err)
	}

	cache, err := store.NewCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		util.Fatalf("failed to connect to cache: %v", err)
	}
	defer cache.Close()

	gw := chain.New(cfg.Chain.RPCURL, cfg.Chain.Timeout)
	if err := checkStartupBalance(context.Background(), gw, authorityHex); err != nil {
		util.Errorf("insufficient on-chain balance for pool authority: %v", err)
		os.Exit(1)
	}

	verifier := auth.Ed25519Verifier{}
	connMgr := conn.NewManager(cfg.Conn.MaxPerIP)
	readySet := epoch.NewInMemoryReadySet()
	connMgr.OnDisconnect(func(address string) {
		// The coordinator only ever held the address as a key, so eviction
		// needs no extra bookkeeping beyond not re-dispatching to it; a
		// worker that reconnects simply sends a fresh Ready frame.
		util.Debugf("conn: %s disconnected", address)
	})

	ingress := epoch.NewIngress(connMgr, verifier, uint32(cfg.Epoch.ExpectedMinDifficulty), epoch.HashpowerCap)

	busAddrs := make([][]byte, len(cfg.Chain.BusAddresses))
	for i, addr := range cfg.Chain.BusAddresses {
		b, err := hex.DecodeString(addr)
		if err != nil {
			util.Fatalf("invalid chain.bus_addresses[%d]: %v", i, err)
		}
		busAddrs[i] = b
	}
	programID, err := hex.DecodeString(cfg.Pool.ProgramID)
	if err != nil {
		util.Fatalf("invalid pool.program_id: %v", err)
	}
	proofPubkey, err := hex.DecodeString(cfg.Pool.ProofPubkey)
	if err != nil {
		util.Fatalf("invalid pool.proof_pubkey: %v", err)
	}
	mintPubkey, err := hex.DecodeString(cfg.Pool.MintPubkey)
	if err != nil {
		util.Fatalf("invalid pool.mint_pubkey: %v", err)
	}
	txBuilder := chain.NewBuilder(signer, programID, proofPubkey, mintPubkey, busAddrs)

	var feeOracle *chain.FeeOracle
	if cfg.Chain.DynamicFee {
		feeOracle, err = chain.NewFeeOracle(chain.FeeOracleConfig{
			DynamicFeeURL:      cfg.Chain.DynamicFeeURL,
			AccountKeys:        []string{cfg.Pool.ProofPubkey},
			Floor:              cfg.Chain.PriorityFee,
			Cap:                cfg.Chain.PriorityFeeCap,
			ExtraFeeDifficulty: cfg.Chain.ExtraFeeDifficulty,
			ExtraFeePercent:    cfg.Chain.ExtraFeePercent,
		}, cache)
		if err != nil {
			util.Errorf("failed to configure dynamic fee oracle, falling back to static fee: %v", err)
			feeOracle = nil
		}
	}
	feeFor := func(ctx context.Context, measuredDifficulty uint32) uint64 {
		if feeOracle != nil {
			return feeOracle.Estimate(ctx, measuredDifficulty)
		}
		fee := cfg.Chain.PriorityFee
		if cfg.Chain.PriorityFeeCap > 0 && fee > cfg.Chain.PriorityFeeCap {
			fee = cfg.Chain.PriorityFeeCap
		}
		return fee
	}

	resetEveryNEpochs := 10
	epochCount := 0
	needsReset := func() bool {
		epochCount++
		return epochCount%resetEveryNEpochs == 0
	}

	engine := reward.NewEngine(s, pool.ID, cfg.Pool.CommissionPercent)
	notifier := notify.NewNotifier(notify.Config{DiscordURL: cfg.Notify.DiscordURL, SlackURL: cfg.Notify.SlackURL, Enabled: cfg.Notify.Enabled})
	metricsAgent := metrics.NewAgent(cfg.Metrics)
	if cfg.Metrics.Enabled {
		if err := metricsAgent.Start(); err != nil {
			util.Errorf("failed to start metrics agent: %v", err)
		}
	}

	settler := &broadcastSettler{
		engine:   engine,
		connMgr:  connMgr,
		notifier: notifier,
		metrics:  metricsAgent,
	}

	epochCfg := epoch.DefaultConfig()
	if cfg.Epoch.BufferTime > 0 {
		epochCfg.BufferTime = cfg.Epoch.BufferTime
	}
	epochCfg.RiskTime = cfg.Epoch.RiskTime
	if cfg.Epoch.ExpectedMinDifficulty > 0 {
		epochCfg.MinDifficulty = cfg.Epoch.ExpectedMinDifficulty
	}
	if cfg.Epoch.NonceRangeWidth > 0 {
		epochCfg.NonceRangeWidth = cfg.Epoch.NonceRangeWidth
	}
	if cfg.Epoch.SubmitRetryBudget > 0 {
		epochCfg.SubmitRetryBudget = cfg.Epoch.SubmitRetryBudget
	}
	if cfg.Epoch.ConfirmTimeout > 0 {
		epochCfg.ConfirmTimeout = cfg.Epoch.ConfirmTimeout
	}

	coordinator := epoch.NewCoordinator(epochCfg, pool.ID, readySet, connMgr, ingress, gw, s, settler, txBuilder.SubmitTx(needsReset), feeFor)

	claims := reward.NewQueue(s, cache, verifier, pool.ID, cfg.Claim.QueueCapacity)

	apiServer := api.NewServer(cfg, s, connMgr, claims, verifier, pool.ID)
	apiServer.SetFrameHandler(&frameHandler{
		verifier: verifier,
		ready:    readySet,
		ingress:  ingress,
		conn:     connMgr,
		coord:    coordinator,
		metrics:  metricsAgent,
		minDiff:  uint32(*messagingDiff),
	})

	var profilingServer *profiling.Server
	if cfg.Profiling.Enabled {
		profilingServer = profiling.NewServer(&cfg.Profiling)
		if err := profilingServer.Start(); err != nil {
			util.Errorf("failed to start profiling server: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	liveness := conn.NewLivenessSweeper(connMgr)
	go liveness.Run(ctx)

	go claims.Run(ctx, gw.SendTransaction, txBuilder.ClaimTx(), cfg.Chain.PriorityFee, cfg.Epoch.SubmitRetryBudget, cfg.Epoch.ConfirmTimeout)

	proofPubkeyHex := cfg.Pool.ProofPubkey
	chainUpdates := gw.Subscribe(ctx, 2*time.Second, func(ctx context.Context) (*chain.ProofUpdate, error) {
		return pollProofAccount(ctx, gw, proofPubkeyHex)
	})
	epochUpdates := make(chan epoch.ProofUpdate)
	go func() {
		defer close(epochUpdates)
		for u := range chainUpdates {
			select {
			case epochUpdates <- epoch.ProofUpdate{Challenge: u.Challenge, LastHashAt: u.LastHashAt, RewardDelta: u.RewardDelta, AvailableBus: u.AvailableBus}:
			case <-ctx.Done():
				return
			}
		}
	}()
	go coordinator.Run(ctx, epochUpdates)

	if err := apiServer.Start(); err != nil {
		util.Fatalf("failed to start api server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	util.Info("orepool-server started. press ctrl+c to stop.")
	<-sigChan
	util.Info("shutting down...")

	cancel()
	apiServer.Stop()
	if profilingServer != nil {
		profilingServer.Stop()
	}
	metricsAgent.Stop()
	util.Info("orepool-server stopped")
}

func applyServerFlagOverrides(cfg *config.Config, bufferTime, riskTime *time.Duration, priorityFee, priorityFeeCap *uint64,
	dynamicFee *bool, dynamicFeeURL *string, expectedMinDifficulty, extraFeeDifficulty *uint, extraFeePercent *uint64,
	messagingDiff *uint, stats *bool, sendTPUMineTx *bool) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "buffer-time":
			cfg.Epoch.BufferTime = *bufferTime
		case "risk-time":
			cfg.Epoch.RiskTime = *riskTime
		case "priority-fee":
			cfg.Chain.PriorityFee = *priorityFee
		case "priority-fee-cap":
			cfg.Chain.PriorityFeeCap = *priorityFeeCap
		case "dynamic-fee":
			cfg.Chain.DynamicFee = *dynamicFee
		case "dynamic-fee-url":
			cfg.Chain.DynamicFeeURL = *dynamicFeeURL
		case "expected-min-difficulty":
			cfg.Epoch.ExpectedMinDifficulty = uint32(*expectedMinDifficulty)
		case "extra-fee-difficulty":
			cfg.Chain.ExtraFeeDifficulty = uint32(*extraFeeDifficulty)
		case "extra-fee-percent":
			cfg.Chain.ExtraFeePercent = *extraFeePercent
		case "messaging-diff":
			cfg.Epoch.MessagingDifficulty = uint32(*messagingDiff)
		case "stats":
			cfg.API.Stats = *stats
		case "send-tpu-mine-tx":
			cfg.Chain.SendTPUMineTx = *sendTPUMineTx
		}
	})
}

// checkStartupBalance reads the pool authority's on-chain account and
// refuses to start if the gateway is reachable but the account cannot pay
// for even one submit transaction (spec.md §6 "insufficient on-chain
// balance" is one of the named non-zero exit conditions). A gateway that
// cannot be reached at all is a transient condition, not a startup-fatal
// one, so connection errors here are logged and otherwise ignored.
const minStartupLamports = 5_000

func checkStartupBalance(ctx context.Context, gw *chain.Gateway, authorityHex string) error {
	acct, err := gw.GetAccount(ctx, authorityHex)
	if err != nil {
		util.Warnf("startup balance check skipped, chain gateway unreachable: %v", err)
		return nil
	}
	if acct.Lamports < minStartupLamports {
		return fmt.Errorf("authority account holds %d lamports, need at least %d", acct.Lamports, minStartupLamports)
	}
	return nil
}

// pollProofAccount reads the pool's proof account and decodes it into a
// ProofUpdate. The account's data layout (challenge[32] || last_hash_at
// u64 || reward_delta u64 || available_bus u8) mirrors the fixed-width
// encoding this pool's own mine/reset instructions write, since the core
// treats the concrete on-chain program as an external collaborator
// (spec.md §1) defined only by this shape.
func pollProofAccount(ctx context.Context, gw *chain.Gateway, proofPubkeyHex string) (*chain.ProofUpdate, error) {
	acct, err := gw.GetAccount(ctx, proofPubkeyHex)
	if err != nil {
		return nil, err
	}
	const minLen = 32 + 8 + 8 + 1
	if len(acct.Data) < minLen {
		return nil, nil
	}

	var update chain.ProofUpdate
	copy(update.Challenge[:], acct.Data[:32])
	update.LastHashAt = time.Unix(int64(binary.LittleEndian.Uint64(acct.Data[32:40])), 0)
	update.RewardDelta = binary.LittleEndian.Uint64(acct.Data[40:48])
	update.AvailableBus = int(acct.Data[48])
	return &update, nil
}

// broadcastSettler wraps the reward engine so the coordinator's SETTLE
// transition also fans the per-worker PoolSubmissionResult frame out to
// every connected socket whose miner contributed to the settled epoch
// (other sockets get no frame) and fires the settlement webhook/metrics hooks,
// without the reward or epoch packages needing to import conn/notify/metrics
// themselves (spec.md §3 ownership boundaries).
type broadcastSettler struct {
	engine   *reward.Engine
	connMgr  *conn.Manager
	notifier *notify.Notifier
	metrics  *metrics.Agent
}

func (b *broadcastSettler) Settle(ctx context.Context, state *epoch.State, rewardsEarned uint64) error {
	result, err := b.engine.SettleWithResult(ctx, state, rewardsEarned)
	if err != nil {
		return err
	}

	b.metrics.RecordSettle(result.ChallengeID, result.Difficulty, result.RewardsEarned, result.ActiveMiners)
	b.notifier.NotifySettlement(notify.SettlementEvent{
		Difficulty:      result.Difficulty,
		RewardsEarned:   result.RewardsEarned,
		PoolBalance:     result.TotalBalance,
		NumClients:      b.connMgr.Count(),
		NumContributors: result.ActiveMiners,
	})

	for _, addr := range b.connMgr.Addresses() {
		c, ok := b.connMgr.Get(addr)
		if !ok {
			continue
		}
		mr, ok := result.PerMiner[c.MinerID]
		if !ok {
			continue
		}
		frame := (&protocol.PoolSubmissionResult{
			Difficulty:      result.Difficulty,
			TotalBalance:    float64(result.TotalBalance),
			TotalRewards:    float64(result.RewardsEarned),
			ActiveMiners:    uint32(result.ActiveMiners),
			Challenge:       state.Challenge,
			BestNonce:       result.BestNonce,
			MinerDifficulty: mr.Difficulty,
			MinerEarned:     float64(mr.Earned),
			MinerPercentage: mr.Percentage,
		}).Encode()
		if err := c.Send(frame); err != nil {
			util.Warnf("settle: failed to deliver result to %s: %v", addr, err)
		}
	}
	return nil
}

// frameHandler implements conn.FrameHandler, wiring decoded worker frames
// into the ready set and submission ingress without either of those
// packages depending on conn (spec.md §3 ownership).
type frameHandler struct {
	verifier auth.Verifier
	ready    *epoch.InMemoryReadySet
	ingress  *epoch.Ingress
	conn     *conn.Manager
	coord    *epoch.Coordinator
	metrics  *metrics.Agent
	minDiff  uint32
}

func (h *frameHandler) OnReady(addr string, pubkey []byte, timestamp uint64, signature []byte) {
	if err := auth.VerifyHandshake(h.verifier, pubkey, timestamp, signature, time.Now()); err != nil {
		util.Warnf("frame: rejecting ready frame from %s: %v", addr, err)
		return
	}
	h.ready.Add(epoch.ReadyWorker{Pubkey: pubkey, Addr: addr})
}

func (h *frameHandler) OnHeartbeat(addr string) {
	h.conn.HandlePong(addr)
}

func (h *frameHandler) OnBestSolution(addr string, pubkey []byte, digest [16]byte, nonce uint64, signature []byte) {
	state := h.coord.State()
	if state == nil {
		return
	}
	improved, err := h.ingress.Accept(state, epoch.Submission{Addr: addr, Pubkey: pubkey, Digest: digest, Nonce: nonce, Signature: signature})
	if err != nil {
		util.Debugf("frame: submission from %s rejected: %v", addr, err)
		// spec.md §4.5 step 7: only an invalid digest earns the offending
		// peer a diagnostic; auth failures and every other contract
		// violation (bad range, no connection, difficulty floor) drop silently.
		if errs.Is(err, errs.InvalidDigest) {
			h.conn.SendText(addr, err.Error())
		}
		return
	}
	// Difficulty isn't returned by Accept (only improved/err); the APM event
	// only needs acceptance counts, not the per-submission difficulty value.
	h.metrics.RecordSubmission(addr, 0, improved)

	if h.minDiff > 0 {
		if difficulty, ok := hashx.Valid(state.Challenge, nonce, digest); ok && difficulty >= h.minDiff {
			util.Infof("frame: %s reported a high-difficulty contribution: nonce=%d difficulty=%d", addr, nonce, difficulty)
		}
	}
}
