package chain

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/orepool/orepool/internal/epoch"
	"github.com/orepool/orepool/internal/reward"
)

// Instruction is one opaque call into the on-chain program, following the
// shape of original_source/server/src/utils.rs's get_auth_ix/get_mine_ix/
// get_reset_ix/get_claim_ix: a program id, the accounts it touches, and an
// opcode-prefixed data payload. The concrete program/account addressing is
// intentionally left to Builder's configuration rather than hardcoded, since
// spec.md treats transaction construction as external to the coordinator
// core (§1).
type Instruction struct {
	ProgramID []byte
	Accounts  [][]byte
	Data      []byte
}

func (ix Instruction) encode(buf []byte) []byte {
	buf = appendBytes(buf, ix.ProgramID)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ix.Accounts)))
	for _, a := range ix.Accounts {
		buf = appendBytes(buf, a)
	}
	buf = appendBytes(buf, ix.Data)
	return buf
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// Opcodes for the instruction kinds built here, mirroring the original
// implementation's distinct instruction constructors.
const (
	opComputeBudgetPrice byte = iota
	opAuth
	opReset
	opMine
	opRegister
	opClaim
)

// Builder assembles and signs the transactions the epoch coordinator and
// claim queue need, grounded on original_source/server/src/utils.rs. Unlike
// the original, it has no dependency on a particular chain SDK: instructions
// are an opaque, self-describing byte format that the on-chain program on
// the other end of Gateway.SendTransaction is expected to interpret.
type Builder struct {
	signer      ed25519.PrivateKey
	authority   []byte // pool authority pubkey, raw bytes
	programID   []byte
	proofPubkey []byte
	busAddrs    [][]byte
	mintPubkey  []byte
}

// NewBuilder constructs a transaction Builder. busAddrs must be indexed by
// bus id (0-7, spec.md GLOSSARY "Bus").
func NewBuilder(signer ed25519.PrivateKey, programID, proofPubkey, mintPubkey []byte, busAddrs [][]byte) *Builder {
	authority := signer.Public().(ed25519.PublicKey)
	return &Builder{
		signer: signer, authority: []byte(authority), programID: programID,
		proofPubkey: proofPubkey, mintPubkey: mintPubkey, busAddrs: busAddrs,
	}
}

func (b *Builder) computeBudgetIx(priorityFee uint64) Instruction {
	data := make([]byte, 1+8)
	data[0] = opComputeBudgetPrice
	binary.LittleEndian.PutUint64(data[1:], priorityFee)
	return Instruction{ProgramID: b.programID, Data: data}
}

func (b *Builder) authIx() Instruction {
	return Instruction{
		ProgramID: b.programID,
		Accounts:  [][]byte{b.proofPubkey},
		Data:      []byte{opAuth},
	}
}

func (b *Builder) resetIx() Instruction {
	return Instruction{
		ProgramID: b.programID,
		Accounts:  [][]byte{b.authority, b.proofPubkey},
		Data:      []byte{opReset},
	}
}

// mineIx carries the winning (digest, nonce) pair and the chosen bus, per
// spec.md §4.4's SUBMIT description.
func (b *Builder) mineIx(solution epoch.Solution, bus int) Instruction {
	data := make([]byte, 1+16+8+1)
	data[0] = opMine
	copy(data[1:17], solution.Digest[:])
	binary.LittleEndian.PutUint64(data[17:25], solution.Nonce)
	data[25] = byte(bus)

	busAddr := b.authority
	if bus >= 0 && bus < len(b.busAddrs) {
		busAddr = b.busAddrs[bus]
	}
	return Instruction{
		ProgramID: b.programID,
		Accounts:  [][]byte{b.authority, b.proofPubkey, busAddr},
		Data:      data,
	}
}

func (b *Builder) claimIx(receiver []byte, amountGrains uint64) Instruction {
	data := make([]byte, 1+8)
	data[0] = opClaim
	binary.LittleEndian.PutUint64(data[1:], amountGrains)
	return Instruction{
		ProgramID: b.programID,
		Accounts:  [][]byte{b.authority, receiver, b.mintPubkey},
		Data:      data,
	}
}

// encodeTransaction serializes and signs ixs as a flat envelope: a
// little-endian instruction count, each instruction self-delimited, then an
// ed25519 signature over that payload appended at the tail. SendTransaction
// treats the whole thing as an opaque blob, same as the gateway's other RPC
// payloads.
func (b *Builder) encodeTransaction(ixs []Instruction) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(ixs)))
	for _, ix := range ixs {
		buf = ix.encode(buf)
	}
	sig := ed25519.Sign(b.signer, buf)
	return append(buf, sig...)
}

// SubmitTx returns an epoch.TxBuilder closure: compute-budget price (if
// priorityFee > 0), auth, reset (only when needsReset reports one is due),
// then mine, matching spec.md §4.4's SUBMIT description.
func (b *Builder) SubmitTx(needsReset func() bool) epoch.TxBuilder {
	return func(state *epoch.State, priorityFee uint64, bus int) ([]byte, error) {
		best := state.BestSnapshot()
		if best.Solution == nil {
			return nil, fmt.Errorf("chain: cannot build submit transaction without a best solution")
		}

		var ixs []Instruction
		if priorityFee > 0 {
			ixs = append(ixs, b.computeBudgetIx(priorityFee))
		}
		ixs = append(ixs, b.authIx())
		if needsReset != nil && needsReset() {
			ixs = append(ixs, b.resetIx())
		}
		ixs = append(ixs, b.mineIx(*best.Solution, bus))

		return b.encodeTransaction(ixs), nil
	}
}

// ClaimTx returns a reward.ClaimTxBuilder closure: compute-budget price (if
// priorityFee > 0), a register instruction creating the receiver's account
// when req.ReceiverAccountExists is false, then claim, per spec.md §4.6.
func (b *Builder) ClaimTx() reward.ClaimTxBuilder {
	return func(req reward.ClaimRequest, priorityFee uint64) ([]byte, error) {
		var ixs []Instruction
		if priorityFee > 0 {
			ixs = append(ixs, b.computeBudgetIx(priorityFee))
		}
		if !req.ReceiverAccountExists {
			ixs = append(ixs, b.registerIx(req.ReceiverPubkey))
		}
		ixs = append(ixs, b.claimIx(req.ReceiverPubkey, req.AmountGrains))

		return b.encodeTransaction(ixs), nil
	}
}

func (b *Builder) registerIx(owner []byte) Instruction {
	return Instruction{
		ProgramID: b.programID,
		Accounts:  [][]byte{b.authority, owner, b.mintPubkey},
		Data:      []byte{opRegister},
	}
}
