package reward

import (
	"context"
	"testing"
	"time"

	"github.com/orepool/orepool/internal/store"
)

type fakeClaimVerifier struct{ valid bool }

func (f fakeClaimVerifier) Verify(pubkey, message, signature []byte) bool { return f.valid }

func newTestCache(t *testing.T) *store.Cache {
	t.Helper()
	c, err := store.NewCache("localhost:6379", "", 15)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func setupQueueFixture(t *testing.T) (*Queue, *store.Store, int64, int64) {
	t.Helper()
	ctx := context.Background()
	s := openTestStore(t)
	cache := newTestCache(t)

	pool, err := s.GetOrCreatePool(ctx, "authority", "proof")
	if err != nil {
		t.Fatalf("GetOrCreatePool: %v", err)
	}
	miner, err := s.GetOrCreateMiner(ctx, "claimant")
	if err != nil {
		t.Fatalf("GetOrCreateMiner: %v", err)
	}
	challengeID, err := s.InsertChallenge(ctx, pool.ID, []byte{9})
	if err != nil {
		t.Fatalf("InsertChallenge: %v", err)
	}
	if _, err := s.ApplySettleBatch(ctx, store.SettleBatch{
		PoolID: pool.ID, ChallengeID: challengeID, TotalRewardDelta: OreGrains,
		BalanceDeltas: map[int64]uint64{miner.ID: OreGrains}, // fund the miner with 1 whole ORE
	}); err != nil {
		t.Fatalf("fund miner: %v", err)
	}

	q := NewQueue(s, cache, fakeClaimVerifier{valid: true}, pool.ID, 4)
	return q, s, miner.ID, pool.ID
}

func claimReq(minerID int64, amount uint64, accountExists bool, now time.Time) ClaimRequest {
	return ClaimRequest{
		MinerID: minerID, Pubkey: []byte("claimant"), ReceiverPubkey: []byte("receiver"),
		AmountGrains: amount, ReceiverAccountExists: accountExists, Timestamp: uint64(now.Unix()),
	}
}

func TestQueueSubmitAdmitsValidClaim(t *testing.T) {
	q, _, minerID, _ := setupQueueFixture(t)
	now := time.Now()

	if err := q.Submit(context.Background(), claimReq(minerID, ThresholdExistingAccount+1, true, now), now); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case req := <-q.pending:
		if req.MinerID != minerID {
			t.Errorf("enqueued minerID = %d, want %d", req.MinerID, minerID)
		}
	default:
		t.Fatal("expected the claim to be enqueued")
	}
}

func TestQueueSubmitRejectsBelowThresholdForNewAccount(t *testing.T) {
	q, _, minerID, _ := setupQueueFixture(t)
	now := time.Now()
	// 0.003 ORE, below the 0.005 ORE new-account threshold (spec.md S5).
	amount := uint64(OreGrains) * 3 / 1000
	if err := q.Submit(context.Background(), claimReq(minerID, amount, false, now), now); err == nil {
		t.Fatal("expected a threshold rejection")
	}
}

func TestQueueSubmitAdmitsAboveThresholdForExistingAccount(t *testing.T) {
	q, _, minerID, _ := setupQueueFixture(t)
	now := time.Now()
	// 0.00008 ORE, above the 0.00005 ORE existing-account threshold (spec.md S5).
	amount := uint64(OreGrains) * 8 / 100_000
	if err := q.Submit(context.Background(), claimReq(minerID, amount, true, now), now); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestQueueSubmitRejectsInsufficientBalance(t *testing.T) {
	q, _, minerID, _ := setupQueueFixture(t)
	now := time.Now()
	if err := q.Submit(context.Background(), claimReq(minerID, OreGrains*2, true, now), now); err == nil {
		t.Fatal("expected a rejection for amount exceeding balance")
	}
}

func TestQueueSubmitRejectsDuringCooldown(t *testing.T) {
	q, _, minerID, _ := setupQueueFixture(t)
	now := time.Now()
	if err := q.cache.MarkClaimed(context.Background(), "636c61696d616e74"); err != nil {
		t.Fatalf("MarkClaimed: %v", err)
	}
	// The pubkey stored with MarkClaimed must match hex.EncodeToString(req.Pubkey).
	if err := q.Submit(context.Background(), claimReq(minerID, ThresholdExistingAccount+1, true, now), now); err == nil {
		t.Fatal("expected a cooldown rejection")
	}
}

func TestQueueSubmitRejectsDuplicateInFlight(t *testing.T) {
	q, _, minerID, _ := setupQueueFixture(t)
	now := time.Now()
	if err := q.Submit(context.Background(), claimReq(minerID, ThresholdExistingAccount+1, true, now), now); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := q.Submit(context.Background(), claimReq(minerID, ThresholdExistingAccount+1, true, now), now); err == nil {
		t.Fatal("expected the second concurrent claim for the same worker to be rejected")
	}
}

func TestQueueSubmitRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	cache := newTestCache(t)
	pool, _ := s.GetOrCreatePool(ctx, "authority", "proof")
	miner, _ := s.GetOrCreateMiner(ctx, "claimant")

	q := NewQueue(s, cache, fakeClaimVerifier{valid: false}, pool.ID, 4)
	now := time.Now()
	if err := q.Submit(ctx, claimReq(miner.ID, ThresholdExistingAccount+1, true, now), now); err == nil {
		t.Fatal("expected a signature rejection")
	}
}

func TestProcessClaimAppliesConfirmAndReleasesSlot(t *testing.T) {
	q, s, minerID, poolID := setupQueueFixture(t)
	now := time.Now()
	amount := ThresholdExistingAccount + 1
	req := claimReq(minerID, amount, true, now)

	sent := false
	send := func(ctx context.Context, signedTx []byte, maxRetries int, confirmTimeout time.Duration) (string, error) {
		sent = true
		return "sig-1", nil
	}
	buildTx := func(r ClaimRequest, priorityFee uint64) ([]byte, error) { return []byte("tx"), nil }

	const pubkeyHex = "636c61696d616e74" // hex.EncodeToString([]byte("claimant"))
	q.mu.Lock()
	q.inFlight[pubkeyHex] = struct{}{}
	q.mu.Unlock()

	q.process(context.Background(), req, send, buildTx, 0, 3, time.Second)

	if !sent {
		t.Fatal("expected the transaction to be sent")
	}
	balance, err := s.GetRewardBalance(context.Background(), minerID, poolID)
	if err != nil {
		t.Fatalf("GetRewardBalance: %v", err)
	}
	if balance != OreGrains-amount {
		t.Errorf("balance after claim = %d, want %d", balance, OreGrains-amount)
	}

	q.mu.Lock()
	_, stillInFlight := q.inFlight[pubkeyHex]
	q.mu.Unlock()
	if stillInFlight {
		t.Error("expected process to release the in-flight slot it held")
	}
}
