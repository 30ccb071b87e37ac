package reward

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/orepool/orepool/internal/auth"
	"github.com/orepool/orepool/internal/errs"
	"github.com/orepool/orepool/internal/store"
	"github.com/orepool/orepool/internal/util"
)

// OreGrains is the number of integer grains per whole ORE token (11
// decimals, spec.md GLOSSARY "Grains").
const OreGrains = 100_000_000_000

// Claim admission thresholds (spec.md §4.6): a claim that would also create
// the receiver's token account must clear a higher bar since the pool eats
// that one-time account-creation fee.
const (
	ThresholdNewAccount      = OreGrains * 5 / 1000   // 0.005 ORE
	ThresholdExistingAccount = OreGrains * 5 / 100_000 // 0.00005 ORE
)

// ClaimCooldown mirrors internal/store/cache.go's cooldown window; reward
// depends on store for both the cache-backed fast path and the durable
// fallback (LastClaimTime).
const ClaimCooldown = store.ClaimCooldown

// ClaimRequest is one admitted or rejected claim attempt.
type ClaimRequest struct {
	MinerID            int64
	Pubkey             []byte
	ReceiverPubkey      []byte
	AmountGrains       uint64
	ReceiverAccountExists bool
	Timestamp          uint64
	Signature          []byte
}

// SendTransaction is the narrow chain-gateway capability the claim
// processor needs, kept structurally compatible with internal/chain.Gateway
// and internal/epoch.Chain without importing either package.
type SendTransaction func(ctx context.Context, signedTx []byte, maxRetries int, confirmTimeout time.Duration) (signature string, err error)

// ClaimTxBuilder assembles the signed claim transaction:
// [compute_budget_price, create_token_account?, claim], per spec.md §4.6.
type ClaimTxBuilder func(req ClaimRequest, priorityFee uint64) ([]byte, error)

// Queue is the at-most-one-in-flight-per-worker claim mailbox (C10).
// Admission runs under the caller's goroutine (from the /v1/claim handler);
// draining and submission run serially on the processor loop, matching
// spec.md §5's "claims_queue: admit under write lock, drain under write
// lock."
type Queue struct {
	store    *store.Store
	cache    *store.Cache
	verifier auth.Verifier
	poolID   int64

	pending  chan ClaimRequest
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewQueue builds a claim Queue with room for capacity pending claims.
func NewQueue(s *store.Store, cache *store.Cache, verifier auth.Verifier, poolID int64, capacity int) *Queue {
	return &Queue{
		store: s, cache: cache, verifier: verifier, poolID: poolID,
		pending: make(chan ClaimRequest, capacity), inFlight: make(map[string]struct{}),
	}
}

// Submit validates and admits a claim request per spec.md §4.6's three
// admission rules, then enqueues it for the processor. Returns a
// *errs.Error classifying any rejection.
func (q *Queue) Submit(ctx context.Context, req ClaimRequest, now time.Time) error {
	pubkeyHex := hex.EncodeToString(req.Pubkey)

	if err := auth.VerifyClaim(q.verifier, req.Pubkey, req.Timestamp, req.ReceiverPubkey, req.AmountGrains, req.Signature, now); err != nil {
		return errs.New(errs.AuthFailure, "reward.claim", err)
	}

	threshold := uint64(ThresholdExistingAccount)
	if !req.ReceiverAccountExists {
		threshold = ThresholdNewAccount
	}
	if req.AmountGrains < threshold {
		return errs.New(errs.ContractViolation, "reward.claim", fmt.Errorf("amount %d grains below threshold %d", req.AmountGrains, threshold))
	}

	inCooldown, err := q.cache.InCooldown(ctx, pubkeyHex)
	if err != nil {
		return errs.New(errs.TransientNetwork, "reward.claim", err)
	}
	if inCooldown {
		return errs.New(errs.ContractViolation, "reward.claim", fmt.Errorf("worker %s claimed within the last %s", pubkeyHex, ClaimCooldown))
	}

	balance, err := q.store.GetRewardBalance(ctx, req.MinerID, q.poolID)
	if err != nil {
		return errs.New(errs.TransientNetwork, "reward.claim", err)
	}
	if req.AmountGrains > balance {
		return errs.New(errs.ContractViolation, "reward.claim", fmt.Errorf("requested %d exceeds balance %d", req.AmountGrains, balance))
	}

	q.mu.Lock()
	_, already := q.inFlight[pubkeyHex]
	if !already {
		q.inFlight[pubkeyHex] = struct{}{}
	}
	q.mu.Unlock()
	if already {
		return errs.New(errs.ContractViolation, "reward.claim", fmt.Errorf("worker %s already has a claim in flight", pubkeyHex))
	}

	select {
	case q.pending <- req:
		return nil
	default:
		q.release(pubkeyHex)
		return errs.New(errs.TransientProtocol, "reward.claim", fmt.Errorf("claim queue full"))
	}
}

func (q *Queue) release(pubkeyHex string) {
	q.mu.Lock()
	delete(q.inFlight, pubkeyHex)
	q.mu.Unlock()
}

// claimRetryBackoff is spec.md §5's "claim path: transient errors retry
// indefinitely with 2s backoff."
const claimRetryBackoff = 2 * time.Second

// Run drains claims one at a time, building and submitting the claim
// transaction and applying the confirmed result to the ledger. Blocks until
// ctx is cancelled; intended to run as one of the server's long-running
// tasks (spec.md §5).
func (q *Queue) Run(ctx context.Context, send SendTransaction, buildTx ClaimTxBuilder, priorityFee uint64, maxRetries int, confirmTimeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-q.pending:
			q.process(ctx, req, send, buildTx, priorityFee, maxRetries, confirmTimeout)
		}
	}
}

func (q *Queue) process(ctx context.Context, req ClaimRequest, send SendTransaction, buildTx ClaimTxBuilder, priorityFee uint64, maxRetries int, confirmTimeout time.Duration) {
	pubkeyHex := hex.EncodeToString(req.Pubkey)
	defer q.release(pubkeyHex)

	for {
		if err := q.submitOnce(ctx, req, send, buildTx, priorityFee, maxRetries, confirmTimeout); err != nil {
			if ctx.Err() != nil {
				return
			}
			util.Warnf("reward: claim for %s failed, retrying in %s: %v", pubkeyHex, claimRetryBackoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(claimRetryBackoff):
			}
			continue
		}
		return
	}
}

func (q *Queue) submitOnce(ctx context.Context, req ClaimRequest, send SendTransaction, buildTx ClaimTxBuilder, priorityFee uint64, maxRetries int, confirmTimeout time.Duration) error {
	tx, err := buildTx(req, priorityFee)
	if err != nil {
		return fmt.Errorf("reward: build claim transaction: %w", err)
	}

	signature, err := send(ctx, tx, maxRetries, confirmTimeout)
	if err != nil {
		return fmt.Errorf("reward: submit claim transaction: %w", err)
	}

	if _, err := q.store.ApplyClaimConfirm(ctx, req.MinerID, q.poolID, req.AmountGrains, signature, priorityFee); err != nil {
		return fmt.Errorf("reward: apply claim confirm: %w", err)
	}

	pubkeyHex := hex.EncodeToString(req.Pubkey)
	if err := q.cache.MarkClaimed(ctx, pubkeyHex); err != nil {
		util.Warnf("reward: failed to mark claim cooldown for %s: %v", pubkeyHex, err)
	}
	util.Infof("reward: claim confirmed for %s: %d grains, tx=%s", pubkeyHex, req.AmountGrains, signature)
	return nil
}
