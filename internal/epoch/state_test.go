package epoch

import "testing"

func TestNextRangeIsDisjointAndAdvances(t *testing.T) {
	s := NewState(1, [32]byte{1})

	r1, err := s.NextRange("alice", 100)
	if err != nil {
		t.Fatalf("NextRange: %v", err)
	}
	r2, err := s.NextRange("bob", 200)
	if err != nil {
		t.Fatalf("NextRange: %v", err)
	}

	if r1.Overlaps(r2) {
		t.Fatalf("expected disjoint ranges, got %+v and %+v", r1, r2)
	}
	if r1 != (NonceRange{Start: 0, End: 100}) {
		t.Errorf("r1 = %+v, want [0,100)", r1)
	}
	if r2 != (NonceRange{Start: 100, End: 300}) {
		t.Errorf("r2 = %+v, want [100,300)", r2)
	}

	got, ok := s.AssignedRange("alice")
	if !ok || got != r1 {
		t.Errorf("AssignedRange(alice) = %+v, %v; want %+v, true", got, ok, r1)
	}
}

func TestNextRangeRejectsOverflow(t *testing.T) {
	s := NewState(1, [32]byte{1})
	s.NonceCursor = ^uint64(0) - 10

	if _, err := s.NextRange("alice", 20); err == nil {
		t.Fatal("expected an overflow error, got nil")
	}
}

func TestNextRangeRejectsZeroWidth(t *testing.T) {
	s := NewState(1, [32]byte{1})
	if _, err := s.NextRange("alice", 0); err == nil {
		t.Fatal("expected an error for zero-width range")
	}
}

func TestUpsertContributionKeepsHigherDifficulty(t *testing.T) {
	s := NewState(1, [32]byte{1})

	improved := s.UpsertContribution(Contribution{Pubkey: "alice", Nonce: 1, Difficulty: 10})
	if !improved {
		t.Fatal("expected first contribution to be an improvement")
	}
	if s.BestSnapshot().Difficulty != 10 {
		t.Fatalf("best difficulty = %d, want 10", s.BestSnapshot().Difficulty)
	}

	improved = s.UpsertContribution(Contribution{Pubkey: "alice", Nonce: 2, Difficulty: 9})
	if improved {
		t.Fatal("expected a lower-difficulty resubmission to be rejected")
	}
	if s.BestSnapshot().Difficulty != 10 {
		t.Fatalf("best difficulty regressed to %d", s.BestSnapshot().Difficulty)
	}

	improved = s.UpsertContribution(Contribution{Pubkey: "bob", Nonce: 3, Difficulty: 15})
	if !improved {
		t.Fatal("expected a different worker's higher difficulty to be an improvement")
	}
	if s.BestSnapshot().Difficulty != 15 {
		t.Fatalf("best difficulty = %d, want 15", s.BestSnapshot().Difficulty)
	}

	if got := len(s.ContributionsSnapshot()); got != 2 {
		t.Fatalf("expected 2 distinct contributors, got %d", got)
	}
}

func TestUpsertContributionEqualDifficultyNotImproved(t *testing.T) {
	s := NewState(1, [32]byte{1})
	s.UpsertContribution(Contribution{Pubkey: "alice", Nonce: 1, Difficulty: 10})
	if s.UpsertContribution(Contribution{Pubkey: "alice", Nonce: 2, Difficulty: 10}) {
		t.Fatal("expected an equal-difficulty resubmission to not count as an improvement")
	}
}
