package eventlog

import (
	"sync"
	"testing"
	"time"
)

func TestAppendKeepsLastCapacityInOrder(t *testing.T) {
	log := New[int](5)
	for i := 0; i < 12; i++ {
		log.Append(i)
	}

	if log.Len() != 5 {
		t.Fatalf("Len = %d, want 5", log.Len())
	}
	got := log.Snapshot()
	want := []int{7, 8, 9, 10, 11}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot = %v, want %v", got, want)
		}
	}
}

func TestAppendBelowCapacity(t *testing.T) {
	log := New[string](3)
	log.Append("a")
	log.Append("b")

	got := log.Snapshot()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Snapshot = %v, want [a b]", got)
	}
}

func TestQueryTakesNewestMatches(t *testing.T) {
	log := New[int](100)
	for i := 1; i <= 20; i++ {
		log.Append(i)
	}

	even := func(v int) bool { return v%2 == 0 }
	got := log.Query(even, 3)
	want := []int{16, 18, 20}
	if len(got) != len(want) {
		t.Fatalf("Query = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Query = %v, want %v", got, want)
		}
	}
}

func TestQueryWithoutLimitReturnsAllMatches(t *testing.T) {
	log := New[int](10)
	for i := 0; i < 10; i++ {
		log.Append(i)
	}
	if got := log.Query(func(v int) bool { return v >= 5 }, 0); len(got) != 5 {
		t.Fatalf("Query returned %d records, want 5", len(got))
	}
}

func TestPruneBeforeDropsOldRecords(t *testing.T) {
	type rec struct {
		id int
		at time.Time
	}
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	log := New[rec](4)
	for i := 0; i < 6; i++ {
		log.Append(rec{id: i, at: base.Add(time.Duration(i) * time.Minute)})
	}

	removed := log.PruneBefore(base.Add(4*time.Minute), func(r rec) time.Time { return r.at })
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	got := log.Snapshot()
	if len(got) != 2 || got[0].id != 4 || got[1].id != 5 {
		t.Fatalf("Snapshot after prune = %+v", got)
	}

	log.Append(rec{id: 6, at: base.Add(6 * time.Minute)})
	if got := log.Snapshot(); got[len(got)-1].id != 6 {
		t.Fatalf("append after prune lost ordering: %+v", got)
	}
}

func TestConcurrentAppend(t *testing.T) {
	log := New[int](50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				log.Append(i)
			}
		}()
	}
	wg.Wait()

	if log.Len() != 50 {
		t.Fatalf("Len = %d, want 50", log.Len())
	}
}
