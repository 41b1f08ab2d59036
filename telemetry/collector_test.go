package telemetry

import (
	"os"
	"testing"
)

func newTestCollector(t *testing.T, name string) *Collector {
	t.Helper()
	dbPath := name
	c, err := NewCollector(dbPath)
	if err != nil {
		t.Fatalf("failed to create collector: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		os.Remove(dbPath)
	})
	return c
}

func TestRecordAttemptAndGetStats(t *testing.T) {
	c := newTestCollector(t, "test_attempts.db")

	if err := c.RecordAttemptEvent(AttemptEvent{
		RequestID: "req-1", Dialect: "openai", Attempt: 1, DoneMarkerFound: false, CollectedChars: 40,
	}); err != nil {
		t.Fatalf("failed to record attempt: %v", err)
	}
	if err := c.RecordAttemptEvent(AttemptEvent{
		RequestID: "req-1", Dialect: "openai", Attempt: 2, DoneMarkerFound: true, CollectedChars: 90,
	}); err != nil {
		t.Fatalf("failed to record attempt: %v", err)
	}

	stats, err := c.GetStats()
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats.TotalRequests != 1 {
		t.Errorf("expected 1 distinct request, got %d", stats.TotalRequests)
	}
	if stats.TotalAttempts != 2 {
		t.Errorf("expected 2 attempts recorded, got %d", stats.TotalAttempts)
	}
	if stats.CompletedRequests != 1 {
		t.Errorf("expected 1 completed request, got %d", stats.CompletedRequests)
	}
	if stats.ByDialect["openai"] != 2 {
		t.Errorf("expected 2 openai attempts, got %d", stats.ByDialect["openai"])
	}
}

func TestRecordAttemptViaNarrowInterface(t *testing.T) {
	c := newTestCollector(t, "test_attempts_narrow.db")

	// RecordAttempt is the signature edge.Server calls through; it must
	// not error out or panic.
	c.RecordAttempt("req-2", "claude", 1, true, 12)

	attempts, err := c.RecentAttempts(10)
	if err != nil {
		t.Fatalf("failed to list recent attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 recorded attempt, got %d", len(attempts))
	}
	if attempts[0].RequestID != "req-2" || attempts[0].Dialect != "claude" || !attempts[0].DoneMarkerFound {
		t.Errorf("unexpected attempt row: %+v", attempts[0])
	}
}

func TestRecentAttemptsOrderingAndLimit(t *testing.T) {
	c := newTestCollector(t, "test_attempts_recent.db")

	for i := 1; i <= 3; i++ {
		c.RecordAttempt("req-a", "openai", i, i == 3, i*10)
	}

	attempts, err := c.RecentAttempts(2)
	if err != nil {
		t.Fatalf("failed to list recent attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected the limit to be honored, got %d rows", len(attempts))
	}
	if attempts[0].Attempt != 3 {
		t.Errorf("expected the most recent attempt first, got attempt=%d", attempts[0].Attempt)
	}
}
