package query

import (
	"sort"
	"sync"
	"testing"
)

func TestNextSequenceStartsAtOne(t *testing.T) {
	tr := NewSessionTracker()

	if got := tr.NextSequence("session-a"); got != 1 {
		t.Errorf("first sequence: got %d, want 1", got)
	}
	if got := tr.NextSequence("session-a"); got != 2 {
		t.Errorf("second sequence: got %d, want 2", got)
	}
	if got := tr.NextSequence("session-b"); got != 1 {
		t.Errorf("new session must start at 1, got %d", got)
	}
}

func TestNextSequenceConcurrent(t *testing.T) {
	const n = 200
	tr := NewSessionTracker()

	results := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- tr.NextSequence("shared-session")
		}()
	}
	wg.Wait()
	close(results)

	var seqs []int64
	for s := range results {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	if len(seqs) != n {
		t.Fatalf("expected %d sequences, got %d", n, len(seqs))
	}
	for i, s := range seqs {
		if s != int64(i+1) {
			t.Fatalf("sequences must be exactly 1..%d with no gaps or duplicates, position %d holds %d", n, i, s)
		}
	}
}

func TestCurrentDoesNotAdvance(t *testing.T) {
	tr := NewSessionTracker()

	if got := tr.Current("s"); got != 0 {
		t.Errorf("unseen session: got %d, want 0", got)
	}

	tr.NextSequence("s")
	tr.NextSequence("s")

	if got := tr.Current("s"); got != 2 {
		t.Errorf("current: got %d, want 2", got)
	}
	if got := tr.Current("s"); got != 2 {
		t.Errorf("current must not advance, got %d", got)
	}
}

func TestSeedContinuesSequence(t *testing.T) {
	tr := NewSessionTracker()

	tr.Seed("s", 41)
	if got := tr.NextSequence("s"); got != 42 {
		t.Errorf("after seed: got %d, want 42", got)
	}

	// Seeding an active session must not rewind it.
	tr.Seed("s", 3)
	if got := tr.NextSequence("s"); got != 43 {
		t.Errorf("after redundant seed: got %d, want 43", got)
	}

	tr.Seed("fresh", 0)
	if got := tr.NextSequence("fresh"); got != 1 {
		t.Errorf("zero seed: got %d, want 1", got)
	}
}
