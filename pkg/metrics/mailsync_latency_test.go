package metrics

import (
	"testing"
	"time"
)

func TestLatencyTrackerStats(t *testing.T) {
	lt := NewLatencyTracker(100)
	for i := 1; i <= 100; i++ {
		lt.Record(time.Duration(i) * time.Millisecond)
	}

	s := lt.Stats()
	if s.Count != 100 {
		t.Errorf("Count = %d", s.Count)
	}
	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", s.Min, s.Max)
	}
	if s.P50 != 50*time.Millisecond {
		t.Errorf("P50 = %v", s.P50)
	}
}

func TestLatencyTrackerWindow(t *testing.T) {
	lt := NewLatencyTracker(10)
	for i := 0; i < 25; i++ {
		lt.Record(time.Millisecond)
	}
	if s := lt.Stats(); s.Count > 10 {
		t.Errorf("Count = %d, window is 10", s.Count)
	}
}

func TestLatencyRegistry(t *testing.T) {
	r := NewLatencyRegistry(10)
	r.Record("gmail.threads.get", 2*time.Millisecond)
	r.Record("gmail.threads.get", 4*time.Millisecond)
	r.Record("gmail.messages.modify", time.Millisecond)

	if got := r.Stats("gmail.threads.get").Count; got != 2 {
		t.Errorf("Count = %d", got)
	}
	if got := len(r.AllStats()); got != 2 {
		t.Errorf("AllStats len = %d", got)
	}
	if got := r.Stats("missing").Count; got != 0 {
		t.Errorf("missing Count = %d", got)
	}
}

func TestSyncCountersSnapshot(t *testing.T) {
	var c SyncCounters
	c.Persisted.Add(3)
	c.Filtered.Add(1)
	snap := c.Snapshot()
	if snap["persisted"] != 3 || snap["filtered"] != 1 {
		t.Errorf("snapshot = %v", snap)
	}
}
