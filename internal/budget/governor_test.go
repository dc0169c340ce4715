package budget

import (
	"sync"
	"testing"
)

func TestCanSpendUnderCeiling(t *testing.T) {
	g := NewGovernor(100)

	if !g.CanSpend(50) {
		t.Error("50 against an empty ledger with ceiling 100 should be approved")
	}
	if !g.CanSpend(100) {
		t.Error("exactly the ceiling should be approved")
	}
	if g.CanSpend(101) {
		t.Error("101 against ceiling 100 should be denied")
	}
}

func TestCeilingExactlyConsumed(t *testing.T) {
	g := NewGovernor(100)

	for i := 0; i < 10; i++ {
		g.Commit("task", 10)
	}
	if g.Spent() != 100 {
		t.Fatalf("spent = %v, want 100", g.Spent())
	}
	if g.CanSpend(0.01) {
		t.Error("any positive estimate should be denied once the ceiling is consumed")
	}
	if !g.Exhausted() {
		t.Error("governor should report exhausted")
	}
}

func TestCommitNeverNegative(t *testing.T) {
	g := NewGovernor(100)

	g.Commit("task", -50)
	if g.Spent() != 0 {
		t.Errorf("negative commit must not push the ledger negative, spent = %v", g.Spent())
	}
	g.Commit("task", 10)
	g.Commit("task", -10)
	if g.Spent() != 10 {
		t.Errorf("spent = %v, want 10", g.Spent())
	}
}

func TestUnlimitedCeiling(t *testing.T) {
	g := NewGovernor(0)

	g.Commit("task", 1e9)
	if !g.CanSpend(1e9) {
		t.Error("zero ceiling means unlimited spend")
	}
	if g.Exhausted() {
		t.Error("unlimited governor is never exhausted")
	}
}

func TestWarnFiresOnce(t *testing.T) {
	g := NewGovernor(100)

	warnings := 0
	g.SetWarnFunc(func(spent, ceiling float64) { warnings++ })

	g.Commit("a", 70)
	if warnings != 0 {
		t.Errorf("warning fired below threshold, count = %d", warnings)
	}
	g.Commit("b", 15)
	if warnings != 1 {
		t.Errorf("warning should fire on crossing, count = %d", warnings)
	}
	g.Commit("c", 10)
	g.Commit("d", 10)
	if warnings != 1 {
		t.Errorf("warning should fire exactly once, count = %d", warnings)
	}
}

func TestRaiseCeilingResumes(t *testing.T) {
	g := NewGovernor(100)

	g.Commit("a", 100)
	if g.CanSpend(1) {
		t.Fatal("should be exhausted at ceiling")
	}

	g.SetCeiling(200)
	if !g.CanSpend(50) {
		t.Error("raising the ceiling should re-approve spend")
	}
	if g.Exhausted() {
		t.Error("governor should not be exhausted after the raise")
	}
}

func TestLedgerEntries(t *testing.T) {
	g := NewGovernor(100)

	g.Commit("a", 5)
	g.Commit("b", 7)

	entries := g.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
	if entries[0].TaskID != "a" || entries[0].Delta != 5 {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].TaskID != "b" || entries[1].Delta != 7 {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}

func TestConcurrentCommits(t *testing.T) {
	g := NewGovernor(0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g.Commit("task", 1)
			}
		}()
	}
	wg.Wait()

	if g.Spent() != 2000 {
		t.Errorf("spent = %v, want 2000 (commits must be atomic)", g.Spent())
	}
	if len(g.Entries()) != 2000 {
		t.Errorf("ledger entries = %d, want 2000", len(g.Entries()))
	}
}
