package epoch

import (
	"encoding/hex"
	"fmt"

	"github.com/orepool/orepool/internal/auth"
	"github.com/orepool/orepool/internal/errs"
	"github.com/orepool/orepool/internal/hashx"
	"github.com/orepool/orepool/internal/util"
)

// HashpowerCap is the accounting-time cap on a single worker's hashpower
// (difficulty 23 == 2^23 == 32,768), per spec.md §4.5 step 5. 0 disables
// the cap. The client-side value is always uncapped.
const HashpowerCap = 32_768

// ConnectionResolver looks up the live connection for a claimed pubkey,
// returning its miner ID. Submission ingress only holds a read reference to
// the connection manager (spec.md §3 "Ownership").
type ConnectionResolver interface {
	ResolveMinerID(addr string, pubkey []byte) (minerID int64, ok bool)
}

// Ingress validates and classifies incoming worker submissions (C7),
// grounded on
// original_source/hashpoo/src/processors/client_contributions_processor.rs's
// pipeline: nonce-range check -> connection resolve -> digest recompute ->
// difficulty floor -> hashpower -> upsert-if-better.
type Ingress struct {
	resolver      ConnectionResolver
	verifier      auth.Verifier
	minDifficulty uint32
	hashpowerCap  uint64
}

// NewIngress builds an Ingress. minDifficulty must be >= MinDifficulty;
// hashpowerCap == 0 disables the cap.
func NewIngress(resolver ConnectionResolver, verifier auth.Verifier, minDifficulty uint32, hashpowerCap uint64) *Ingress {
	if minDifficulty < MinDifficulty {
		minDifficulty = MinDifficulty
	}
	return &Ingress{resolver: resolver, verifier: verifier, minDifficulty: minDifficulty, hashpowerCap: hashpowerCap}
}

// Submission is one inbound BestSolution frame, already decoded.
type Submission struct {
	Addr      string
	Pubkey    []byte
	Digest    [16]byte
	Nonce     uint64
	Signature []byte
}

// Accept validates sub against the live epoch state and, if every check
// passes, upserts the contribution. Returns (improved, err): improved is
// true only when the contribution was a strict improvement over the
// worker's prior best (spec.md §8 idempotence property); err is non-nil
// for any rejection, classified via internal/errs.
func (ing *Ingress) Accept(state *State, sub Submission) (improved bool, err error) {
	pubkeyHex := hex.EncodeToString(sub.Pubkey)

	if !auth.VerifySubmission(ing.verifier, sub.Pubkey, sub.Digest, sub.Nonce, sub.Signature) {
		return false, errs.New(errs.AuthFailure, "epoch.ingress", fmt.Errorf("submission signature verification failed for %s", pubkeyHex))
	}

	rng, ok := state.AssignedRange(pubkeyHex)
	if !ok {
		return false, errs.New(errs.ContractViolation, "epoch.ingress", fmt.Errorf("no nonce range assigned to %s this epoch", pubkeyHex))
	}
	if !rng.Contains(sub.Nonce) {
		return false, errs.New(errs.ContractViolation, "epoch.ingress", fmt.Errorf("nonce %d outside assigned range [%d, %d)", sub.Nonce, rng.Start, rng.End))
	}

	minerID, ok := ing.resolver.ResolveMinerID(sub.Addr, sub.Pubkey)
	if !ok {
		return false, errs.New(errs.ContractViolation, "epoch.ingress", fmt.Errorf("no live connection for %s", sub.Addr))
	}

	difficulty, ok := hashx.Valid(state.Challenge, sub.Nonce, sub.Digest)
	if !ok {
		return false, errs.New(errs.InvalidDigest, "epoch.ingress", fmt.Errorf("digest does not validate for (challenge, nonce=%d)", sub.Nonce))
	}
	if difficulty < ing.minDifficulty {
		return false, errs.New(errs.ContractViolation, "epoch.ingress", fmt.Errorf("difficulty %d below floor %d", difficulty, ing.minDifficulty))
	}

	hashpower := uint64(1) << difficulty
	if ing.hashpowerCap > 0 && hashpower > ing.hashpowerCap {
		hashpower = ing.hashpowerCap
	}

	improved = state.UpsertContribution(Contribution{
		Pubkey:     pubkeyHex,
		MinerID:    minerID,
		Digest:     sub.Digest,
		Nonce:      sub.Nonce,
		Difficulty: difficulty,
		Hashpower:  hashpower,
	})
	if improved {
		util.Debugf("epoch: accepted contribution from %s: nonce=%d difficulty=%d hashpower=%d", pubkeyHex, sub.Nonce, difficulty, hashpower)
	}
	return improved, nil
}
