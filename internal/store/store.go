package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orepool/orepool/internal/util"
)

const schema = `
CREATE TABLE IF NOT EXISTS init_completion (id INTEGER PRIMARY KEY CHECK (id = 1), completed_at INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS pool (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	authority_pubkey TEXT NOT NULL UNIQUE,
	proof_pubkey TEXT NOT NULL,
	total_rewards INTEGER NOT NULL DEFAULT 0,
	claimed_rewards INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS miner (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pubkey TEXT NOT NULL UNIQUE,
	enabled INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS challenge (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pool_id INTEGER NOT NULL REFERENCES pool(id),
	contribution_id INTEGER,
	challenge_bytes BLOB NOT NULL,
	rewards_earned INTEGER,
	created INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS contribution (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	miner_id INTEGER NOT NULL REFERENCES miner(id),
	challenge_id INTEGER NOT NULL REFERENCES challenge(id),
	nonce INTEGER NOT NULL,
	digest BLOB NOT NULL,
	difficulty INTEGER NOT NULL,
	created INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS earning (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	miner_id INTEGER NOT NULL REFERENCES miner(id),
	pool_id INTEGER NOT NULL REFERENCES pool(id),
	challenge_id INTEGER NOT NULL REFERENCES challenge(id),
	amount INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reward (
	miner_id INTEGER NOT NULL REFERENCES miner(id),
	pool_id INTEGER NOT NULL REFERENCES pool(id),
	balance INTEGER NOT NULL DEFAULT 0,
	UNIQUE(miner_id, pool_id)
);

CREATE TABLE IF NOT EXISTS claim (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	miner_id INTEGER NOT NULL REFERENCES miner(id),
	pool_id INTEGER NOT NULL REFERENCES pool(id),
	transaction_id INTEGER,
	amount INTEGER NOT NULL,
	created INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS "transaction" (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_type TEXT NOT NULL,
	signature TEXT NOT NULL,
	priority_fee INTEGER NOT NULL DEFAULT 0,
	pool_id INTEGER NOT NULL REFERENCES pool(id),
	created INTEGER NOT NULL
);
`

// Store is the typed sqlite-backed ledger adapter. Every batch mutation
// used by the reward engine runs inside a single transaction, matching the
// teacher's convention (internal/storage) of pipelining related writes.
type Store struct {
	db *sql.DB
}

// Open opens (and, if new, initializes) the single-file store at path.
// Initialization is idempotent via the init_completion marker row.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: single-writer discipline matches the epoch coordinator's single-writer state

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin init tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM init_completion WHERE id = 1`).Scan(&n); err != nil {
		return fmt.Errorf("store: check init marker: %w", err)
	}
	if n == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO init_completion (id, completed_at) VALUES (1, ?)`, time.Now().Unix()); err != nil {
			return fmt.Errorf("store: write init marker: %w", err)
		}
		util.Info("store: schema initialized")
	}
	return tx.Commit()
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// GetOrCreatePool returns the pool row for authorityPubkey, creating it on
// first observation.
func (s *Store) GetOrCreatePool(ctx context.Context, authorityPubkey, proofPubkey string) (*Pool, error) {
	p := &Pool{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, authority_pubkey, proof_pubkey, total_rewards, claimed_rewards FROM pool WHERE authority_pubkey = ?`,
		authorityPubkey,
	).Scan(&p.ID, &p.AuthorityPubkey, &p.ProofPubkey, &p.TotalRewards, &p.ClaimedRewards)
	if err == sql.ErrNoRows {
		res, insErr := s.db.ExecContext(ctx,
			`INSERT INTO pool (authority_pubkey, proof_pubkey) VALUES (?, ?)`, authorityPubkey, proofPubkey)
		if insErr != nil {
			return nil, fmt.Errorf("store: create pool: %w", insErr)
		}
		id, _ := res.LastInsertId()
		return &Pool{ID: id, AuthorityPubkey: authorityPubkey, ProofPubkey: proofPubkey}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get pool: %w", err)
	}
	return p, nil
}

// GetOrCreateMiner returns the miner row for pubkey, creating it on first
// observation (a miner is created the moment a worker handshakes, not when
// it first contributes).
func (s *Store) GetOrCreateMiner(ctx context.Context, pubkey string) (*Miner, error) {
	m := &Miner{}
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pubkey, enabled, status FROM miner WHERE pubkey = ?`, pubkey,
	).Scan(&m.ID, &m.Pubkey, &enabled, &m.Status)
	if err == sql.ErrNoRows {
		res, insErr := s.db.ExecContext(ctx, `INSERT INTO miner (pubkey) VALUES (?)`, pubkey)
		if insErr != nil {
			return nil, fmt.Errorf("store: create miner: %w", insErr)
		}
		id, _ := res.LastInsertId()
		return &Miner{ID: id, Pubkey: pubkey, Enabled: true, Status: "active"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get miner: %w", err)
	}
	m.Enabled = enabled != 0
	return m, nil
}

// GetPool reads a pool row by id, used by the reward engine to report the
// post-settle total balance in the worker broadcast.
func (s *Store) GetPool(ctx context.Context, poolID int64) (*Pool, error) {
	p := &Pool{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, authority_pubkey, proof_pubkey, total_rewards, claimed_rewards FROM pool WHERE id = ?`,
		poolID,
	).Scan(&p.ID, &p.AuthorityPubkey, &p.ProofPubkey, &p.TotalRewards, &p.ClaimedRewards)
	if err != nil {
		return nil, fmt.Errorf("store: get pool %d: %w", poolID, err)
	}
	return p, nil
}

// InsertChallenge records a newly observed epoch challenge.
func (s *Store) InsertChallenge(ctx context.Context, poolID int64, challengeBytes []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO challenge (pool_id, challenge_bytes, created) VALUES (?, ?, ?)`,
		poolID, challengeBytes, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("store: insert challenge: %w", err)
	}
	return res.LastInsertId()
}

// SettleChallenge records the on-chain confirmed reward and the winning
// contribution for a settled epoch, matching spec.md §4.6 step 5.
func (s *Store) SettleChallenge(ctx context.Context, challengeID, bestContributionID int64, rewardsEarned uint64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE challenge SET contribution_id = ?, rewards_earned = ? WHERE id = ?`,
		bestContributionID, rewardsEarned, challengeID)
	if err != nil {
		return fmt.Errorf("store: settle challenge %d: %w", challengeID, err)
	}
	return nil
}

// SettleBatch is everything the reward engine writes atomically for one
// epoch settlement: earnings, balance deltas, contribution rows, and the
// pool/challenge totals. Running these in one transaction keeps the ledger
// consistent even though each logical step is itemized in spec.md §4.6.
type SettleBatch struct {
	PoolID              int64
	ChallengeID         int64
	Earnings            []Earning
	BalanceDeltas       map[int64]uint64 // miner_id -> delta
	Contributions       []Contribution
	TotalRewardDelta    uint64
	BestContributionKey struct {
		MinerID int64
		Nonce   uint64
	}
}

// ApplySettleBatch writes a full epoch settlement transactionally, with
// indefinite retry on transient failure (500 ms backoff), matching the
// reward engine's batching discipline in spec.md §4.6.
func (s *Store) ApplySettleBatch(ctx context.Context, b SettleBatch) (bestContributionID int64, err error) {
	for {
		bestContributionID, err = s.applySettleBatchOnce(ctx, b)
		if err == nil {
			return bestContributionID, nil
		}
		util.Warnf("store: settle batch failed, retrying in 500ms: %v", err)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// applySettleBatchOnce writes the five settlement stages inside one
// transaction, in the exact order spec.md §4.6 documents: (1) earning rows,
// (2) reward.balance deltas, (3) contribution rows, (4) pool.total_rewards,
// (5) challenge.rewards_earned/contribution_id. The transaction only buys
// all-or-nothing durability across the five writes; it does not reorder
// them, so a reader inspecting the WAL mid-commit still sees the documented
// write sequence.
func (s *Store) applySettleBatchOnce(ctx context.Context, b SettleBatch) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin settle tx: %w", err)
	}
	defer tx.Rollback()

	const insertBatchSize = 200

	// 1. earning rows.
	for i := 0; i < len(b.Earnings); i += insertBatchSize {
		end := min(i+insertBatchSize, len(b.Earnings))
		for _, e := range b.Earnings[i:end] {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO earning (miner_id, pool_id, challenge_id, amount) VALUES (?, ?, ?, ?)`,
				e.MinerID, e.PoolID, e.ChallengeID, e.Amount); err != nil {
				return 0, fmt.Errorf("store: insert earning: %w", err)
			}
		}
	}

	// 2. reward.balance += earn_i.
	for minerID, delta := range b.BalanceDeltas {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reward (miner_id, pool_id, balance) VALUES (?, ?, ?)
			 ON CONFLICT(miner_id, pool_id) DO UPDATE SET balance = balance + excluded.balance`,
			minerID, b.PoolID, delta); err != nil {
			return 0, fmt.Errorf("store: apply reward balance for miner %d: %w", minerID, err)
		}
	}

	// 3. contribution rows.
	contributionIDs := make(map[int64]int64, len(b.Contributions)) // miner_id -> contribution row id
	for i := 0; i < len(b.Contributions); i += insertBatchSize {
		end := min(i+insertBatchSize, len(b.Contributions))
		for _, c := range b.Contributions[i:end] {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO contribution (miner_id, challenge_id, nonce, digest, difficulty, created) VALUES (?, ?, ?, ?, ?, ?)`,
				c.MinerID, c.ChallengeID, c.Nonce, c.Digest[:], c.Difficulty, time.Now().Unix())
			if err != nil {
				return 0, fmt.Errorf("store: insert contribution: %w", err)
			}
			id, _ := res.LastInsertId()
			contributionIDs[c.MinerID] = id
		}
	}

	// 4. pool.total_rewards.
	if _, err := tx.ExecContext(ctx,
		`UPDATE pool SET total_rewards = total_rewards + ? WHERE id = ?`, b.TotalRewardDelta, b.PoolID); err != nil {
		return 0, fmt.Errorf("store: update pool total_rewards: %w", err)
	}

	// 5. challenge.rewards_earned / contribution_id.
	bestContributionID := contributionIDs[b.BestContributionKey.MinerID]
	if _, err := tx.ExecContext(ctx,
		`UPDATE challenge SET contribution_id = ?, rewards_earned = ? WHERE id = ?`,
		bestContributionID, b.TotalRewardDelta, b.ChallengeID); err != nil {
		return 0, fmt.Errorf("store: update challenge settlement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit settle tx: %w", err)
	}
	return bestContributionID, nil
}

// GetRewardBalance reads a worker's current unclaimed balance.
func (s *Store) GetRewardBalance(ctx context.Context, minerID, poolID int64) (uint64, error) {
	var balance uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM reward WHERE miner_id = ? AND pool_id = ?`, minerID, poolID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: get reward balance: %w", err)
	}
	return balance, nil
}

// ApplyClaimConfirm records a confirmed claim: debit the balance, credit
// the pool's claimed total, and insert the transaction + claim rows, all in
// one transaction (spec.md §4.6 claim queue, final step).
func (s *Store) ApplyClaimConfirm(ctx context.Context, minerID, poolID int64, amount uint64, signature string, priorityFee uint64) (claimID int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin claim tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO "transaction" (transaction_type, signature, priority_fee, pool_id, created) VALUES (?, ?, ?, ?, ?)`,
		TransactionClaim, signature, priorityFee, poolID, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("store: insert claim transaction: %w", err)
	}
	txID, _ := res.LastInsertId()

	res, err = tx.ExecContext(ctx,
		`INSERT INTO claim (miner_id, pool_id, transaction_id, amount, created) VALUES (?, ?, ?, ?, ?)`,
		minerID, poolID, txID, amount, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("store: insert claim: %w", err)
	}
	claimID, _ = res.LastInsertId()

	if _, err := tx.ExecContext(ctx,
		`UPDATE reward SET balance = balance - ? WHERE miner_id = ? AND pool_id = ?`, amount, minerID, poolID); err != nil {
		return 0, fmt.Errorf("store: debit reward balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE pool SET claimed_rewards = claimed_rewards + ? WHERE id = ?`, amount, poolID); err != nil {
		return 0, fmt.Errorf("store: credit pool claimed_rewards: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit claim tx: %w", err)
	}
	return claimID, nil
}

// LastClaimTime returns the created timestamp of a miner's most recent
// claim, or the zero time if it has never claimed. This is the ledger's
// authoritative record; the fast-path cooldown check lives in cache.go.
func (s *Store) LastClaimTime(ctx context.Context, minerID, poolID int64) (time.Time, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT created FROM claim WHERE miner_id = ? AND pool_id = ? ORDER BY created DESC LIMIT 1`,
		minerID, poolID).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: get last claim time: %w", err)
	}
	return time.Unix(ts, 0), nil
}

// Stats is the read-only summary backing the peripheral stats endpoints.
type Stats struct {
	Pool              Pool
	ContributionCount int64
	LastClaim         *Claim
	LatestTransaction *Transaction
}

// GetStats assembles the peripheral read-only stats view for a pool.
func (s *Store) GetStats(ctx context.Context, poolID int64) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, authority_pubkey, proof_pubkey, total_rewards, claimed_rewards FROM pool WHERE id = ?`, poolID,
	).Scan(&st.Pool.ID, &st.Pool.AuthorityPubkey, &st.Pool.ProofPubkey, &st.Pool.TotalRewards, &st.Pool.ClaimedRewards)
	if err != nil {
		return nil, fmt.Errorf("store: get pool for stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM contribution c JOIN challenge ch ON c.challenge_id = ch.id WHERE ch.pool_id = ?`, poolID,
	).Scan(&st.ContributionCount); err != nil {
		return nil, fmt.Errorf("store: count contributions: %w", err)
	}

	var c Claim
	var txID sql.NullInt64
	var created int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id, miner_id, pool_id, transaction_id, amount, created FROM claim WHERE pool_id = ? ORDER BY created DESC LIMIT 1`, poolID,
	).Scan(&c.ID, &c.MinerID, &c.PoolID, &txID, &c.Amount, &created)
	switch err {
	case nil:
		c.Created = time.Unix(created, 0)
		if txID.Valid {
			id := txID.Int64
			c.TransactionID = &id
		}
		st.LastClaim = &c
	case sql.ErrNoRows:
	default:
		return nil, fmt.Errorf("store: get last claim: %w", err)
	}

	var t Transaction
	var ttCreated int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id, transaction_type, signature, priority_fee, pool_id, created FROM "transaction" WHERE pool_id = ? ORDER BY created DESC LIMIT 1`, poolID,
	).Scan(&t.ID, &t.Type, &t.Signature, &t.PriorityFee, &t.PoolID, &ttCreated)
	switch err {
	case nil:
		t.Created = time.Unix(ttCreated, 0)
		st.LatestTransaction = &t
	case sql.ErrNoRows:
	default:
		return nil, fmt.Errorf("store: get latest transaction: %w", err)
	}

	return st, nil
}
