// Package store is the persistent ledger adapter (C3): an embedded
// single-file relational store, following the teacher's convention of
// isolating storage behind a small capability-style type (internal/storage
// in the teacher repo) even though the backend itself — sqlite rather than
// Redis — is new.
package store

import "time"

// Pool is one operator identity: the on-chain authority fronting the pool
// plus the proof account it mines against.
type Pool struct {
	ID             int64
	AuthorityPubkey string
	ProofPubkey     string
	TotalRewards    uint64 // grains
	ClaimedRewards  uint64 // grains
}

// Miner is one authenticated worker key.
type Miner struct {
	ID      int64
	Pubkey  string
	Enabled bool
	Status  string
}

// Challenge is one observed epoch.
type Challenge struct {
	ID             int64
	PoolID         int64
	ContributionID *int64
	ChallengeBytes []byte
	RewardsEarned  *uint64
	Created        time.Time
}

// Contribution is one ledger row recorded at settle time (distinct from the
// in-memory epoch contributions map in internal/epoch, which tracks only
// the live epoch's best-per-worker entries).
type Contribution struct {
	ID          int64
	MinerID     int64
	ChallengeID int64
	Nonce       uint64
	Digest      [16]byte
	Difficulty  uint32
	Created     time.Time
}

// Earning is one worker's share of one epoch's distributable reward.
type Earning struct {
	ID          int64
	MinerID     int64
	PoolID      int64
	ChallengeID int64
	Amount      uint64 // grains
}

// Reward is a worker's running unclaimed balance.
type Reward struct {
	MinerID int64
	PoolID  int64
	Balance uint64 // grains
}

// Claim is one claim-request execution record.
type Claim struct {
	ID            int64
	MinerID       int64
	PoolID        int64
	TransactionID *int64
	Amount        uint64 // grains
	Created       time.Time
}

// TransactionType distinguishes the on-chain transactions the pool submits.
type TransactionType string

const (
	TransactionMine  TransactionType = "mine"
	TransactionClaim TransactionType = "claim"
)

// Transaction is one submitted-and-confirmed on-chain transaction.
type Transaction struct {
	ID          int64
	Type        TransactionType
	Signature   string
	PriorityFee uint64
	PoolID      int64
	Created     time.Time
}
