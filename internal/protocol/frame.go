// Package protocol implements the binary frame codec for the mining wire
// protocol: five fixed-layout messages exchanged over one persistent,
// bidirectional channel between a worker and the pool.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Frame type tags. Ready/StartMining share tag 0, Mining/PoolSubmissionResult
// share tag 1 — direction disambiguates them, exactly as on the wire.
const (
	TagReadyOrStart    = 0
	TagMiningOrResult  = 1
	TagBestSolution    = 2
)

const (
	ChallengeSize  = 32
	DigestSize     = 16
	PubkeySize     = 32
	NonceSize      = 8
	startMiningLen = 1 + ChallengeSize + 8 + 8 + 8 // 57
)

// Ready is sent worker->server to authenticate a freshly opened connection.
type Ready struct {
	Pubkey    [PubkeySize]byte
	Timestamp uint64
	Signature []byte // ascii-encoded signature over Timestamp
}

// Encode serializes a Ready frame.
func (r *Ready) Encode() []byte {
	buf := make([]byte, 1+PubkeySize+8+len(r.Signature))
	buf[0] = TagReadyOrStart
	copy(buf[1:1+PubkeySize], r.Pubkey[:])
	binary.LittleEndian.PutUint64(buf[1+PubkeySize:1+PubkeySize+8], r.Timestamp)
	copy(buf[1+PubkeySize+8:], r.Signature)
	return buf
}

// DecodeReady parses a Ready frame. Returns an error on any malformed input;
// callers must drop the frame, not the connection, on error.
func DecodeReady(b []byte) (*Ready, error) {
	const minLen = 1 + PubkeySize + 8
	if len(b) < minLen {
		return nil, fmt.Errorf("protocol: ready frame too short: %d bytes", len(b))
	}
	if b[0] != TagReadyOrStart {
		return nil, fmt.Errorf("protocol: ready frame has wrong tag %d", b[0])
	}
	r := &Ready{
		Timestamp: binary.LittleEndian.Uint64(b[1+PubkeySize : 1+PubkeySize+8]),
	}
	copy(r.Pubkey[:], b[1:1+PubkeySize])
	r.Signature = append([]byte(nil), b[minLen:]...)
	return r, nil
}

// StartMining is sent server->worker to dispatch a challenge and nonce range.
type StartMining struct {
	Challenge  [ChallengeSize]byte
	Cutoff     uint64
	NonceStart uint64
	NonceEnd   uint64
}

// Encode serializes a StartMining frame. Always 57 bytes.
func (s *StartMining) Encode() []byte {
	buf := make([]byte, startMiningLen)
	buf[0] = TagReadyOrStart
	off := 1
	copy(buf[off:off+ChallengeSize], s.Challenge[:])
	off += ChallengeSize
	binary.LittleEndian.PutUint64(buf[off:off+8], s.Cutoff)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], s.NonceStart)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], s.NonceEnd)
	return buf
}

// DecodeStartMining parses a StartMining frame. A frame whose length is not
// exactly 57 bytes is discarded by the worker rather than treated as a
// protocol error — this returns an error the caller silently drops.
func DecodeStartMining(b []byte) (*StartMining, error) {
	if len(b) != startMiningLen {
		return nil, fmt.Errorf("protocol: start-mining frame must be %d bytes, got %d", startMiningLen, len(b))
	}
	if b[0] != TagReadyOrStart {
		return nil, fmt.Errorf("protocol: start-mining frame has wrong tag %d", b[0])
	}
	s := &StartMining{}
	off := 1
	copy(s.Challenge[:], b[off:off+ChallengeSize])
	off += ChallengeSize
	s.Cutoff = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	s.NonceStart = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	s.NonceEnd = binary.LittleEndian.Uint64(b[off : off+8])
	return s, nil
}

// MiningHeartbeat is a worker->server zero-payload liveness ping.
type MiningHeartbeat struct{}

// Encode serializes a MiningHeartbeat frame.
func (MiningHeartbeat) Encode() []byte {
	return []byte{TagMiningOrResult}
}

// DecodeMiningHeartbeat validates a heartbeat frame.
func DecodeMiningHeartbeat(b []byte) (*MiningHeartbeat, error) {
	if len(b) != 1 || b[0] != TagMiningOrResult {
		return nil, fmt.Errorf("protocol: malformed heartbeat frame")
	}
	return &MiningHeartbeat{}, nil
}

// PoolSubmissionResult is sent server->worker after an epoch settles,
// carrying both pool-wide and this worker's outcome for that epoch.
type PoolSubmissionResult struct {
	Difficulty      uint32
	TotalBalance    float64
	TotalRewards    float64
	TopStake        float64
	Multiplier      float64
	ActiveMiners    uint32
	Challenge       [ChallengeSize]byte
	BestNonce       uint64
	MinerDifficulty uint32
	MinerEarned     float64
	MinerPercentage float64
}

const poolSubmissionResultLen = 1 + 4 + 8*4 + 4 + ChallengeSize + 8 + 4 + 8 + 8

// Encode serializes a PoolSubmissionResult frame.
func (p *PoolSubmissionResult) Encode() []byte {
	buf := make([]byte, poolSubmissionResultLen)
	buf[0] = TagMiningOrResult
	off := 1
	binary.LittleEndian.PutUint32(buf[off:off+4], p.Difficulty)
	off += 4
	putFloat64(buf[off:off+8], p.TotalBalance)
	off += 8
	putFloat64(buf[off:off+8], p.TotalRewards)
	off += 8
	putFloat64(buf[off:off+8], p.TopStake)
	off += 8
	putFloat64(buf[off:off+8], p.Multiplier)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], p.ActiveMiners)
	off += 4
	copy(buf[off:off+ChallengeSize], p.Challenge[:])
	off += ChallengeSize
	binary.LittleEndian.PutUint64(buf[off:off+8], p.BestNonce)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], p.MinerDifficulty)
	off += 4
	putFloat64(buf[off:off+8], p.MinerEarned)
	off += 8
	putFloat64(buf[off:off+8], p.MinerPercentage)
	return buf
}

// DecodePoolSubmissionResult parses a PoolSubmissionResult frame.
func DecodePoolSubmissionResult(b []byte) (*PoolSubmissionResult, error) {
	if len(b) != poolSubmissionResultLen {
		return nil, fmt.Errorf("protocol: pool-submission-result frame must be %d bytes, got %d", poolSubmissionResultLen, len(b))
	}
	if b[0] != TagMiningOrResult {
		return nil, fmt.Errorf("protocol: pool-submission-result frame has wrong tag %d", b[0])
	}
	p := &PoolSubmissionResult{}
	off := 1
	p.Difficulty = binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	p.TotalBalance = getFloat64(b[off : off+8])
	off += 8
	p.TotalRewards = getFloat64(b[off : off+8])
	off += 8
	p.TopStake = getFloat64(b[off : off+8])
	off += 8
	p.Multiplier = getFloat64(b[off : off+8])
	off += 8
	p.ActiveMiners = binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	copy(p.Challenge[:], b[off:off+ChallengeSize])
	off += ChallengeSize
	p.BestNonce = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	p.MinerDifficulty = binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	p.MinerEarned = getFloat64(b[off : off+8])
	off += 8
	p.MinerPercentage = getFloat64(b[off : off+8])
	return p, nil
}

// BestSolution is sent worker->server to report an improving candidate.
type BestSolution struct {
	Digest    [DigestSize]byte
	Nonce     uint64
	Pubkey    [PubkeySize]byte
	Signature []byte // ascii-encoded signature over Digest||nonce bytes
}

// Encode serializes a BestSolution frame.
func (s *BestSolution) Encode() []byte {
	buf := make([]byte, 1+DigestSize+NonceSize+PubkeySize+len(s.Signature))
	buf[0] = TagBestSolution
	off := 1
	copy(buf[off:off+DigestSize], s.Digest[:])
	off += DigestSize
	binary.LittleEndian.PutUint64(buf[off:off+NonceSize], s.Nonce)
	off += NonceSize
	copy(buf[off:off+PubkeySize], s.Pubkey[:])
	off += PubkeySize
	copy(buf[off:], s.Signature)
	return buf
}

// DecodeBestSolution parses a BestSolution frame.
func DecodeBestSolution(b []byte) (*BestSolution, error) {
	const minLen = 1 + DigestSize + NonceSize + PubkeySize
	if len(b) < minLen {
		return nil, fmt.Errorf("protocol: best-solution frame too short: %d bytes", len(b))
	}
	if b[0] != TagBestSolution {
		return nil, fmt.Errorf("protocol: best-solution frame has wrong tag %d", b[0])
	}
	s := &BestSolution{}
	off := 1
	copy(s.Digest[:], b[off:off+DigestSize])
	off += DigestSize
	s.Nonce = binary.LittleEndian.Uint64(b[off : off+NonceSize])
	off += NonceSize
	copy(s.Pubkey[:], b[off:off+PubkeySize])
	off += PubkeySize
	s.Signature = append([]byte(nil), b[minLen:]...)
	return s, nil
}

// NonceBytes returns the 8-byte little-endian encoding of nonce, the form
// hashed by the hash primitive and signed by worker submissions.
func NonceBytes(nonce uint64) [NonceSize]byte {
	var b [NonceSize]byte
	binary.LittleEndian.PutUint64(b[:], nonce)
	return b
}

func putFloat64(b []byte, f float64) {
	binary.LittleEndian.PutUint64(b, math.Float64bits(f))
}

func getFloat64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}
