// Package auth implements worker handshake authentication, per-submission
// signature verification, and claim-request signing for the pool.
//
// The signature primitive itself (sign/verify) is an external collaborator
// per the protocol design — this package depends only on the two-method
// Signer/Verifier interfaces below, backed here by crypto/ed25519.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// HandshakeWindow bounds how far a Ready/handshake timestamp may drift from
// the server's clock before it is rejected.
const HandshakeWindow = 30 * time.Second

// Verifier checks a signature over a message against a claimed public key.
type Verifier interface {
	Verify(pubkey, message, signature []byte) bool
}

// Signer produces a signature over a message under a private key.
type Signer interface {
	Sign(message []byte) []byte
	PublicKey() []byte
}

// Ed25519Verifier is the stdlib-backed Verifier implementation.
type Ed25519Verifier struct{}

// Verify reports whether signature is a valid ed25519 signature of message
// under pubkey.
func (Ed25519Verifier) Verify(pubkey, message, signature []byte) bool {
	if len(pubkey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubkey), message, signature)
}

// Ed25519Signer is the stdlib-backed Signer implementation, used by the
// mining client and by the claim-request path.
type Ed25519Signer struct {
	Private ed25519.PrivateKey
}

// NewEd25519Signer wraps an existing ed25519 private key.
func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{Private: priv}
}

// Sign returns an ed25519 signature over message.
func (s *Ed25519Signer) Sign(message []byte) []byte {
	return ed25519.Sign(s.Private, message)
}

// PublicKey returns the 32-byte ed25519 public key.
func (s *Ed25519Signer) PublicKey() []byte {
	return []byte(s.Private.Public().(ed25519.PublicKey))
}

// TimestampMessage returns the 8-byte little-endian encoding of a unix
// timestamp, the message signed for both the handshake and claim requests.
func TimestampMessage(ts uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, ts)
	return b
}

// VerifyHandshake checks the Ready frame's signature-over-timestamp and the
// handshake freshness window. now is injected so tests are deterministic.
func VerifyHandshake(v Verifier, pubkey []byte, timestamp uint64, signature []byte, now time.Time) error {
	if err := checkTimestampWindow(timestamp, now); err != nil {
		return err
	}
	if !v.Verify(pubkey, TimestampMessage(timestamp), signature) {
		return fmt.Errorf("auth: handshake signature verification failed")
	}
	return nil
}

// SubmissionMessage returns the 24-byte message signed by a BestSolution
// frame: digest || little-endian nonce.
func SubmissionMessage(digest [16]byte, nonce uint64) []byte {
	msg := make([]byte, 24)
	copy(msg[:16], digest[:])
	binary.LittleEndian.PutUint64(msg[16:], nonce)
	return msg
}

// VerifySubmission checks the signature over a (digest, nonce) submission.
func VerifySubmission(v Verifier, pubkey []byte, digest [16]byte, nonce uint64, signature []byte) bool {
	return v.Verify(pubkey, SubmissionMessage(digest, nonce), signature)
}

// ClaimMessage returns the message signed by a claim request:
// timestamp || receiver_pubkey || amount, amount as little-endian u64 grains.
func ClaimMessage(timestamp uint64, receiverPubkey []byte, amountGrains uint64) []byte {
	msg := make([]byte, 8+len(receiverPubkey)+8)
	binary.LittleEndian.PutUint64(msg[:8], timestamp)
	copy(msg[8:8+len(receiverPubkey)], receiverPubkey)
	binary.LittleEndian.PutUint64(msg[8+len(receiverPubkey):], amountGrains)
	return msg
}

// VerifyClaim checks a claim request's signature and its timestamp window.
func VerifyClaim(v Verifier, pubkey []byte, timestamp uint64, receiverPubkey []byte, amountGrains uint64, signature []byte, now time.Time) error {
	if err := checkTimestampWindow(timestamp, now); err != nil {
		return err
	}
	if !v.Verify(pubkey, ClaimMessage(timestamp, receiverPubkey, amountGrains), signature) {
		return fmt.Errorf("auth: claim signature verification failed")
	}
	return nil
}

func checkTimestampWindow(timestamp uint64, now time.Time) error {
	ts := time.Unix(int64(timestamp), 0)
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift >= HandshakeWindow {
		return fmt.Errorf("auth: timestamp %d outside the %s freshness window (drift %s)", timestamp, HandshakeWindow, drift)
	}
	return nil
}

// BasicAuthCredential is the decoded "Authorization: Basic ..." header used
// by the HTTP upgrade handshake: pubkey:signature, both base64-free — the
// signature itself is ascii-encoded by the client (matching the wire
// frame's sig(ascii) convention).
type BasicAuthCredential struct {
	Pubkey    []byte
	Signature []byte
}

// ParseBasicAuth decodes a "Basic base64(pubkeyhex:signature)" header value,
// including the leading "Basic " prefix (a value without it is rejected).
// pubkeyhex must be 64 hex characters (32 bytes), optionally 0x-prefixed.
func ParseBasicAuth(header string) (*BasicAuthCredential, error) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return nil, fmt.Errorf("auth: missing Basic prefix")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return nil, fmt.Errorf("auth: invalid base64: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("auth: malformed credential, expected pubkey:signature")
	}
	pubkey, err := decodeHexPubkey(parts[0])
	if err != nil {
		return nil, err
	}
	return &BasicAuthCredential{Pubkey: pubkey, Signature: []byte(parts[1])}, nil
}

// LoadKeypairFile reads a wallet keypair file and returns its ed25519
// private key, following the same on-disk shape as the original
// implementation's read_keypair_file: a JSON array of the 64 raw secret-key
// bytes (32-byte seed followed by the 32-byte public key).
func LoadKeypairFile(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read keypair file %s: %w", path, err)
	}
	var bytes []byte
	if err := json.Unmarshal(raw, &bytes); err != nil {
		return nil, fmt.Errorf("auth: parse keypair file %s: %w", path, err)
	}
	if len(bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("auth: keypair file %s must contain %d bytes, got %d", path, ed25519.PrivateKeySize, len(bytes))
	}
	return ed25519.PrivateKey(bytes), nil
}

func decodeHexPubkey(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return nil, fmt.Errorf("auth: pubkey must be 32 bytes hex-encoded, got %d chars", len(s))
	}
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid hex pubkey: %w", err)
	}
	return out, nil
}
