// Package hashx supplies a concrete instance of the hash primitive the
// protocol design treats as an external collaborator:
//
//	hashes(challenge[32], nonce_bytes[8]) -> finite sequence of (digest[16], difficulty)
//
// where difficulty is the leading-zero-bit count of a derived hash. The
// search engine and submission ingress are written against this package so
// they have something real to run and be tested against; a production
// deployment would swap in the chain's actual memory-hard primitive behind
// the same two functions.
//
// The scratchpad-mixing shape (blake3 seed, sequential passes, strided
// passes, XOR-fold finalize) is carried over from the teacher's TOS-hash
// implementation, which plays the same "memory-hard PoW hash" role.
package hashx

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

const (
	// ScratchWords is the scratchpad size in 64-bit words (64KB).
	ScratchWords = 8192
	// MixingRounds is the number of strided mixing rounds.
	MixingRounds = 8
	// MemoryPasses is the number of sequential memory passes.
	MemoryPasses = 4
	mixConstant  = 0x517cc1b727220a95

	// DigestSize is the width of a solution digest.
	DigestSize = 16
)

var strides = [4]int{1, 64, 256, 1024}

// Result is one element of the finite sequence hashes() returns.
type Result struct {
	Digest     [DigestSize]byte
	Difficulty uint32
}

// NewScratch allocates a scratch buffer sized for Hashes/HashesWithMemory.
// Callers reuse one buffer per worker thread across nonces.
func NewScratch() []uint64 {
	return make([]uint64, ScratchWords)
}

// Hashes computes the (single-element, in this implementation) sequence of
// (digest, difficulty) pairs for (challenge, nonce), allocating its own
// scratch buffer. Prefer HashesWithMemory on a hot path.
func Hashes(challenge [32]byte, nonceBytes [8]byte) []Result {
	scratch := NewScratch()
	return HashesWithMemory(scratch, challenge, nonceBytes)
}

// HashesWithMemory is the memory-hard variant used by the client search
// engine: scratch must be len(ScratchWords) and is reused across calls to
// avoid per-nonce allocation.
func HashesWithMemory(scratch []uint64, challenge [32]byte, nonceBytes [8]byte) []Result {
	input := make([]byte, 0, 40)
	input = append(input, challenge[:]...)
	input = append(input, nonceBytes[:]...)

	stage1Init(scratch, input)
	stage2Mix(scratch)
	stage3Strided(scratch)
	digest := stage4Finalize(scratch)

	var d [DigestSize]byte
	copy(d[:], digest[:DigestSize])

	return []Result{{Digest: d, Difficulty: LeadingZeroBits(digest)}}
}

// Valid reports whether (challenge, nonce) actually produces digest, and
// returns the associated difficulty when it does.
func Valid(challenge [32]byte, nonce uint64, digest [16]byte) (difficulty uint32, ok bool) {
	var nb [8]byte
	binary.LittleEndian.PutUint64(nb[:], nonce)
	for _, r := range Hashes(challenge, nb) {
		if r.Digest == digest {
			return r.Difficulty, true
		}
	}
	return 0, false
}

// LeadingZeroBits returns the count of leading zero bits of a 32-byte hash —
// the difficulty metric used throughout the protocol.
func LeadingZeroBits(hash [32]byte) uint32 {
	var count uint32
	for _, b := range hash {
		if b == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return count
			}
			count++
		}
	}
	return count
}

func stage1Init(scratch []uint64, input []byte) {
	hasher := blake3.New()
	hasher.Write(input)
	seed := hasher.Sum(nil)

	var state [4]uint64
	for i := 0; i < 4; i++ {
		state[i] = binary.LittleEndian.Uint64(seed[i*8 : (i+1)*8])
	}
	for i := 0; i < ScratchWords; i++ {
		idx := i % 4
		state[idx] = mix(state[idx], state[(idx+1)%4], i)
		scratch[i] = state[idx]
	}
}

func stage2Mix(scratch []uint64) {
	for pass := 0; pass < MemoryPasses; pass++ {
		if pass%2 == 0 {
			carry := scratch[ScratchWords-1]
			for i := 0; i < ScratchWords; i++ {
				prev := scratch[ScratchWords-1]
				if i > 0 {
					prev = scratch[i-1]
				}
				scratch[i] = mix(scratch[i], prev^carry, pass)
				carry = scratch[i]
			}
		} else {
			carry := scratch[0]
			for i := ScratchWords - 1; i >= 0; i-- {
				next := scratch[0]
				if i < ScratchWords-1 {
					next = scratch[i+1]
				}
				scratch[i] = mix(scratch[i], next^carry, pass)
				carry = scratch[i]
			}
		}
	}
}

func stage3Strided(scratch []uint64) {
	for round := 0; round < MixingRounds; round++ {
		stride := strides[round%len(strides)]
		for i := 0; i < ScratchWords; i++ {
			j := (i + stride) % ScratchWords
			k := (i + stride*2) % ScratchWords
			scratch[i] = mix(scratch[i], scratch[j]^scratch[k], round)
		}
	}
}

func stage4Finalize(scratch []uint64) [32]byte {
	var folded [4]uint64
	for i := 0; i < ScratchWords; i++ {
		folded[i%4] ^= scratch[i]
	}

	var preimage [32]byte
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(preimage[i*8:(i+1)*8], folded[i])
	}

	hasher := blake3.New()
	hasher.Write(preimage[:])
	sum := hasher.Sum(nil)

	var out [32]byte
	copy(out[:], sum)
	return out
}

func mix(a, b uint64, round int) uint64 {
	rot := uint(round*7) % 64
	x := a + b
	y := a ^ rotateLeft(b, rot)
	z := x * mixConstant
	return z ^ rotateRight(y, rot/2)
}

func rotateLeft(x uint64, k uint) uint64 {
	k &= 63
	return (x << k) | (x >> (64 - k))
}

func rotateRight(x uint64, k uint) uint64 {
	k &= 63
	return (x >> k) | (x << (64 - k))
}
