// Package reward implements the accounting engine (C9) and claim queue
// (C10): turning a settled epoch's per-worker hashpower into ledger writes,
// and admitting/serializing claim requests against the resulting balances.
// Grounded on internal/storage/redis.go's pipelined-batch-write idiom
// (re-targeted at internal/store) and
// original_source/server/src/processors/pool_mine_success_processor.rs for
// the proportional-split math.
package reward

import (
	"context"
	"fmt"
	"math/big"

	"github.com/orepool/orepool/internal/epoch"
	"github.com/orepool/orepool/internal/store"
	"github.com/orepool/orepool/internal/util"
)

// shareScale is the fixed-point scale used for the intermediate
// hashpower-share computation (spec.md §4.6: "share_i = floor(hashpower_i *
// 1_000_000 / sum hashpower_j)").
const shareScale = 1_000_000

// Engine computes the per-epoch proportional reward split and writes it to
// the ledger via one retried transaction (internal/store.ApplySettleBatch).
type Engine struct {
	store             *store.Store
	poolID            int64
	commissionPercent uint64 // 0-100
}

// NewEngine builds a reward Engine for poolID, retaining commissionPercent
// of every settled epoch's reward before distribution.
func NewEngine(s *store.Store, poolID int64, commissionPercent uint64) *Engine {
	return &Engine{store: s, poolID: poolID, commissionPercent: commissionPercent}
}

// MinerResult is one worker's outcome from a settled epoch, the detail a
// PoolSubmissionResult frame needs beyond the ledger write itself.
type MinerResult struct {
	MinerID    int64
	Earned     uint64
	Difficulty uint32
	Percentage float64
}

// SettleResult summarizes a completed Settle call for callers that need to
// notify workers or external systems (spec.md §4.6: once settlement commits,
// the pool sends a PoolSubmissionResult to each connected worker that has an
// entry in PerMiner).
type SettleResult struct {
	ChallengeID     int64
	Difficulty      uint32
	BestNonce       uint64
	RewardsEarned   uint64
	TotalBalance    uint64
	PerMiner        map[int64]MinerResult // miner_id -> result
	ActiveMiners    int
}

// Settle implements epoch.Settler: it is invoked once per epoch, exactly
// once, with the epoch's final contribution set and the on-chain confirmed
// reward. The split and ledger write are computed here; epoch.Coordinator
// never touches reward math directly (spec.md §4.6's engine is a distinct
// component from the coordinator that calls it).
func (e *Engine) Settle(ctx context.Context, state *epoch.State, rewardsEarned uint64) error {
	_, err := e.SettleWithResult(ctx, state, rewardsEarned)
	return err
}

// SettleWithResult does the same work as Settle but also returns the
// per-miner breakdown, used by the wiring layer to build the post-SETTLE
// broadcast.
func (e *Engine) SettleWithResult(ctx context.Context, state *epoch.State, rewardsEarned uint64) (*SettleResult, error) {
	contribs := state.ContributionsSnapshot()
	if len(contribs) == 0 {
		return nil, fmt.Errorf("reward: settle called with no contributions")
	}

	commission := rewardsEarned * e.commissionPercent / 100
	distributable := rewardsEarned - commission

	sumHashpower := new(big.Int)
	for _, c := range contribs {
		sumHashpower.Add(sumHashpower, new(big.Int).SetUint64(c.Hashpower))
	}

	batch := store.SettleBatch{
		PoolID:           e.poolID,
		ChallengeID:      state.ChallengeID,
		TotalRewardDelta: rewardsEarned,
		BalanceDeltas:    make(map[int64]uint64, len(contribs)),
	}

	var totalEarned uint64
	for _, c := range contribs {
		earn := splitShare(c.Hashpower, sumHashpower, distributable)
		totalEarned += earn

		batch.Earnings = append(batch.Earnings, store.Earning{
			MinerID: c.MinerID, PoolID: e.poolID, ChallengeID: state.ChallengeID, Amount: earn,
		})
		batch.BalanceDeltas[c.MinerID] += earn
		batch.Contributions = append(batch.Contributions, store.Contribution{
			MinerID: c.MinerID, ChallengeID: state.ChallengeID,
			Nonce: c.Nonce, Digest: c.Digest, Difficulty: c.Difficulty,
		})

		best := state.BestSnapshot()
		if best.Solution != nil && c.Nonce == best.Solution.Nonce && c.Digest == best.Solution.Digest {
			batch.BestContributionKey.MinerID = c.MinerID
			batch.BestContributionKey.Nonce = c.Nonce
		}
	}

	residue := distributable - totalEarned
	if residue > 0 {
		util.Debugf("reward: epoch %d retains residue of %d grains from truncation", state.ChallengeID, residue)
	}

	if _, err := e.store.ApplySettleBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("reward: apply settle batch: %w", err)
	}
	util.Infof("reward: settled epoch %d: reward=%d commission=%d distributed=%d across %d workers",
		state.ChallengeID, rewardsEarned, commission, totalEarned, len(contribs))

	best := state.BestSnapshot()
	var bestNonce uint64
	if best.Solution != nil {
		bestNonce = best.Solution.Nonce
	}

	perMiner := make(map[int64]MinerResult, len(contribs))
	for _, c := range contribs {
		var pct float64
		if rewardsEarned > 0 {
			pct = float64(batch.BalanceDeltas[c.MinerID]) / float64(rewardsEarned) * 100
		}
		perMiner[c.MinerID] = MinerResult{
			MinerID: c.MinerID, Earned: batch.BalanceDeltas[c.MinerID],
			Difficulty: c.Difficulty, Percentage: pct,
		}
	}

	pool, err := e.store.GetPool(ctx, e.poolID)
	var totalBalance uint64
	if err == nil && pool != nil {
		totalBalance = pool.TotalRewards
	}

	return &SettleResult{
		ChallengeID: state.ChallengeID, Difficulty: best.Difficulty, BestNonce: bestNonce,
		RewardsEarned: rewardsEarned, TotalBalance: totalBalance, PerMiner: perMiner, ActiveMiners: len(contribs),
	}, nil
}

// splitShare computes floor(hashpower * shareScale / sumHashpower) and then
// floor(share * distributable / shareScale), matching spec.md §4.6 exactly:
// two chained truncating divisions over a 128-bit-wide intermediate, never
// floating point.
func splitShare(hashpower uint64, sumHashpower *big.Int, distributable uint64) uint64 {
	if sumHashpower.Sign() == 0 {
		return 0
	}
	share := new(big.Int).SetUint64(hashpower)
	share.Mul(share, big.NewInt(shareScale))
	share.Quo(share, sumHashpower)

	earn := share.Mul(share, new(big.Int).SetUint64(distributable))
	earn.Quo(earn, big.NewInt(shareScale))
	return earn.Uint64()
}
