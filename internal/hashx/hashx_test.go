package hashx

import (
	"encoding/binary"
	"testing"
)

func TestHashesDeterministic(t *testing.T) {
	var challenge [32]byte
	for i := range challenge {
		challenge[i] = byte(i)
	}
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], 42)

	a := Hashes(challenge, nonce)
	b := Hashes(challenge, nonce)
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected a single-element sequence, got %d and %d", len(a), len(b))
	}
	if a[0].Digest != b[0].Digest || a[0].Difficulty != b[0].Difficulty {
		t.Error("Hashes is not deterministic for identical inputs")
	}
}

func TestHashesVariesWithNonce(t *testing.T) {
	var challenge [32]byte
	var n1, n2 [8]byte
	binary.LittleEndian.PutUint64(n1[:], 1)
	binary.LittleEndian.PutUint64(n2[:], 2)

	r1 := Hashes(challenge, n1)
	r2 := Hashes(challenge, n2)
	if r1[0].Digest == r2[0].Digest {
		t.Error("expected different nonces to produce different digests")
	}
}

func TestHashesWithMemoryMatchesHashes(t *testing.T) {
	var challenge [32]byte
	challenge[0] = 7
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], 99)

	scratch := NewScratch()
	viaMemory := HashesWithMemory(scratch, challenge, nonce)
	viaHashes := Hashes(challenge, nonce)

	if viaMemory[0].Digest != viaHashes[0].Digest {
		t.Error("HashesWithMemory and Hashes disagree for the same inputs")
	}
}

func TestValidRoundTrip(t *testing.T) {
	var challenge [32]byte
	challenge[5] = 3
	nonce := uint64(123456)

	var nb [8]byte
	binary.LittleEndian.PutUint64(nb[:], nonce)
	results := Hashes(challenge, nb)

	difficulty, ok := Valid(challenge, nonce, results[0].Digest)
	if !ok {
		t.Fatal("expected Valid to confirm the computed digest")
	}
	if difficulty != results[0].Difficulty {
		t.Errorf("difficulty mismatch: Valid=%d Hashes=%d", difficulty, results[0].Difficulty)
	}

	if _, ok := Valid(challenge, nonce+1, results[0].Digest); ok {
		t.Error("expected a mismatched nonce to not validate")
	}
}

func TestLeadingZeroBits(t *testing.T) {
	cases := []struct {
		hash [32]byte
		want uint32
	}{
		{hash: [32]byte{0xff}, want: 0},
		{hash: [32]byte{0x00, 0xff}, want: 8},
		{hash: [32]byte{0x0f}, want: 4},
		{hash: [32]byte{}, want: 256},
	}
	for _, c := range cases {
		if got := LeadingZeroBits(c.hash); got != c.want {
			t.Errorf("LeadingZeroBits(%x) = %d, want %d", c.hash, got, c.want)
		}
	}
}
