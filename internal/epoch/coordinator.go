package epoch

import (
	"context"
	"fmt"
	"time"

	"github.com/orepool/orepool/internal/errs"
	"github.com/orepool/orepool/internal/protocol"
	"github.com/orepool/orepool/internal/util"
)

// NonceRangeWidth is the typical width of a dispatched nonce slice
// (spec.md §3 "typical width: ~40M").
const NonceRangeWidth = 40_000_000

// DispatchCadence is how often the DISPATCH phase re-checks for
// late-arriving Ready frames within the epoch.
const DispatchCadence = 1 * time.Second

// SubmitRetryBudget bounds the SUBMIT phase's rpc-send retries.
const SubmitRetryBudget = 3

// ConfirmTimeout is the ceiling on on-chain confirmation polling.
const ConfirmTimeout = 200 * time.Second

// ReadyWorker is one worker that has sent a Ready frame since the previous
// epoch and is awaiting a StartMining dispatch.
type ReadyWorker struct {
	Pubkey []byte
	Addr   string
}

// ReadySet is an exclusive-access queue of workers awaiting dispatch
// (spec.md §5 "ready_set: exclusive access held only for insert and
// drain").
type ReadySet interface {
	Drain() []ReadyWorker
	Return(w ReadyWorker)
}

// Sender delivers a wire frame to one worker address.
type Sender interface {
	Send(addr string, frame []byte) error
}

// ProofUpdate is the chain gateway's proof-account change notification.
type ProofUpdate struct {
	Challenge    [32]byte
	LastHashAt   time.Time
	RewardDelta  uint64
	AvailableBus int
}

// Config is the epoch coordinator's tunable parameters (spec.md §6 CLI flags).
type Config struct {
	BufferTime        time.Duration // default 5s
	RiskTime          time.Duration // default 0
	MinDifficulty     uint32        // default 8
	NonceRangeWidth   uint64
	SubmitRetryBudget int
	ConfirmTimeout    time.Duration
	DispatchCadence   time.Duration
}

// DefaultConfig returns the spec's documented CLI defaults.
func DefaultConfig() Config {
	return Config{
		BufferTime:        5 * time.Second,
		RiskTime:          0,
		MinDifficulty:     MinDifficulty,
		NonceRangeWidth:   NonceRangeWidth,
		SubmitRetryBudget: SubmitRetryBudget,
		ConfirmTimeout:    ConfirmTimeout,
		DispatchCadence:   DispatchCadence,
	}
}

// Chain is the subset of the chain gateway the coordinator needs:
// transaction submission is injected through this narrow interface (ledger
// challenge bookkeeping through Ledger, priority fee estimation as a plain
// function passed to NewCoordinator) so this package does not import
// internal/chain or internal/store directly (keeps the dependency graph a
// DAG: chain/store are lower layers, epoch sits above them).
type Chain interface {
	SendTransaction(ctx context.Context, signedTx []byte, maxRetries int, confirmTimeout time.Duration) (signature string, err error)
}

// Ledger is the narrow slice of the store the coordinator needs directly.
type Ledger interface {
	InsertChallenge(ctx context.Context, poolID int64, challengeBytes []byte) (int64, error)
}

// Settler is invoked once per SETTLE transition, handing the finished
// epoch's state and the on-chain confirmed reward to the reward engine.
type Settler interface {
	Settle(ctx context.Context, state *State, rewardsEarned uint64) error
}

// TxBuilder assembles the signed SUBMIT transaction bytes for the epoch's
// current best solution; left abstract because transaction construction
// (compute-budget price, auth/reset/mine instructions, bus selection) is
// chain-specific and external to this core per spec.md §1.
type TxBuilder func(state *State, priorityFee uint64, bus int) ([]byte, error)

// Coordinator is the epoch state machine (C8).
type Coordinator struct {
	cfg     Config
	poolID  int64
	ready   ReadySet
	sender  Sender
	ingress *Ingress
	chainGW Chain
	ledger  Ledger
	settler Settler
	buildTx TxBuilder
	feeFor  func(ctx context.Context, measuredDifficulty uint32) uint64

	phase   Phase
	current *State
}

// NewCoordinator builds a Coordinator. feeFor may be nil, in which case
// SUBMIT attaches no priority fee instruction.
func NewCoordinator(cfg Config, poolID int64, ready ReadySet, sender Sender, ingress *Ingress, chainGW Chain, ledger Ledger, settler Settler, buildTx TxBuilder, feeFor func(ctx context.Context, measuredDifficulty uint32) uint64) *Coordinator {
	return &Coordinator{
		cfg: cfg, poolID: poolID, ready: ready, sender: sender, ingress: ingress,
		chainGW: chainGW, ledger: ledger, settler: settler, buildTx: buildTx, feeFor: feeFor,
		phase: PhaseIdle,
	}
}

// Phase returns the coordinator's current state (for stats/debug reads).
func (c *Coordinator) Phase() Phase { return c.phase }

// State returns the live epoch state, or nil if IDLE.
func (c *Coordinator) State() *State { return c.current }

// Run drives the state machine off a stream of proof updates until ctx is
// cancelled. It is one of the server's four long-running tasks (spec.md §5).
func (c *Coordinator) Run(ctx context.Context, updates <-chan ProofUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			c.runEpoch(ctx, update)
		}
	}
}

func (c *Coordinator) runEpoch(ctx context.Context, update ProofUpdate) {
	// spec.md §5: "A later epoch is never started before the previous
	// epoch transitions out of SUBMIT (either SETTLE or ABORT)" — runEpoch
	// is only invoked from Run's serial loop, so this holds by construction.
	c.phase = PhaseIdle

	challengeID, err := c.ledger.InsertChallenge(ctx, c.poolID, update.Challenge[:])
	if err != nil {
		util.Errorf("epoch: failed to record challenge, aborting epoch: %v", err)
		c.phase = PhaseAbort
		return
	}
	c.current = NewState(challengeID, update.Challenge)

	c.phase = PhaseDispatch
	c.dispatch(ctx, update)

	c.phase = PhaseAccumulate
	// ACCUMULATE has no further action here: submissions arrive via Ingress.Accept
	// called from the connection read loop against c.current, until
	// awaitCutoff below returns at the epoch's cutoff.
	c.awaitCutoff(ctx, update)

	best := c.current.BestSnapshot()
	if best.Solution == nil {
		util.Warnf("epoch: no valid contribution by cutoff for challenge %x, stalling", update.Challenge)
		c.phase = PhaseStall
		return
	}

	c.phase = PhaseSubmit
	rewardsEarned, err := c.submit(ctx, update, best)
	if err != nil {
		util.Errorf("epoch: submit failed, aborting: %v", err)
		c.phase = PhaseAbort
		return
	}

	c.phase = PhaseSettle
	if err := c.settler.Settle(ctx, c.current, rewardsEarned); err != nil {
		util.Errorf("epoch: settle failed: %v", err)
		c.phase = PhaseAbort
		return
	}
	c.phase = PhaseIdle
}

// dispatch loops over ready workers, assigning nonce ranges and sending
// StartMining, at DispatchCadence, until a pass dispatches no worker —
// absorbing late-arriving Ready frames within the epoch (spec.md §4.4).
func (c *Coordinator) dispatch(ctx context.Context, update ProofUpdate) {
	ticker := time.NewTicker(c.cfg.DispatchCadence)
	defer ticker.Stop()

	for {
		drained := c.dispatchReady(update)
		if drained == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) dispatchReady(update ProofUpdate) int {
	workers := c.ready.Drain()
	served := 0
	for _, w := range workers {
		cutoff := c.computeCutoffSeconds(update)
		best := c.current.BestSnapshot()
		if cutoff < 10 && best.Solution != nil {
			// Not enough time left to make this dispatch worthwhile; the
			// worker rejoins the ready set and is served next epoch.
			c.ready.Return(w)
			continue
		}

		pubkeyHex := fmt.Sprintf("%x", w.Pubkey)
		rng, err := c.current.NextRange(pubkeyHex, c.cfg.NonceRangeWidth)
		if err != nil {
			util.Errorf("epoch: dispatch aborted for %s: %v", pubkeyHex, err)
			continue
		}
		served++

		frame := (&protocol.StartMining{
			Challenge:  update.Challenge,
			Cutoff:     uint64(cutoff),
			NonceStart: rng.Start,
			NonceEnd:   rng.End,
		}).Encode()
		if err := c.sender.Send(w.Addr, frame); err != nil {
			util.Warnf("epoch: failed to dispatch to %s: %v", w.Addr, err)
		}
	}
	return served
}

func (c *Coordinator) computeCutoffSeconds(update ProofUpdate) int64 {
	deadline := update.LastHashAt.Add(60*time.Second + c.cfg.RiskTime).Add(-c.cfg.BufferTime)
	remaining := int64(time.Until(deadline).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// awaitCutoff blocks until the epoch's cutoff has elapsed. Submissions
// continue to be accepted concurrently by whatever goroutine owns the
// connection read loop, calling Ingress.Accept against c.current directly.
func (c *Coordinator) awaitCutoff(ctx context.Context, update ProofUpdate) {
	cutoff := c.computeCutoffSeconds(update)
	timer := time.NewTimer(time.Duration(cutoff) * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (c *Coordinator) submit(ctx context.Context, update ProofUpdate, best Best) (rewardsEarned uint64, err error) {
	var priorityFee uint64
	if c.feeFor != nil {
		priorityFee = c.feeFor(ctx, best.Difficulty)
	}

	tx, err := c.buildTx(c.current, priorityFee, update.AvailableBus)
	if err != nil {
		return 0, errs.New(errs.Fatal, "epoch.submit", fmt.Errorf("build transaction: %w", err))
	}

	if _, err := c.chainGW.SendTransaction(ctx, tx, c.cfg.SubmitRetryBudget, c.cfg.ConfirmTimeout); err != nil {
		return 0, errs.New(errs.TransientNetwork, "epoch.submit", err)
	}

	return update.RewardDelta, nil
}
