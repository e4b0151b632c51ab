package ledger

import (
	"testing"
	"time"

	"paywarp/pkg/models"
)

func entry(amount int64, ts time.Time) models.SessionKeyUsage {
	return models.SessionKeyUsage{
		TxReference:     "0xtx",
		Amount:          models.NewAmount(amount),
		Timestamp:       ts,
		ContractAddress: "0xToken",
		MethodName:      "transfer",
	}
}

func TestDayTotals(t *testing.T) {
	t.Parallel()
	l := NewLog()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l.Append("sk", entry(100, now))
	l.Append("sk", entry(50, now.Add(time.Hour)))
	l.Append("sk", entry(999, now.AddDate(0, 0, -1)))

	amount, count := l.DayTotals("sk", now)
	if amount.Cmp(models.NewAmount(150)) != 0 || count != 2 {
		t.Fatalf("unexpected totals: %s/%d", amount, count)
	}
}

// The window is a UTC calendar day, not a trailing 24 hours: usage at 23:59
// does not count toward the next day's quota at 00:01.
func TestDayTotalsMidnightRollover(t *testing.T) {
	t.Parallel()
	l := NewLog()
	beforeMidnight := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	afterMidnight := time.Date(2026, 3, 11, 0, 1, 0, 0, time.UTC)
	l.Append("sk", entry(200, beforeMidnight))

	amount, count := l.DayTotals("sk", beforeMidnight)
	if amount.Cmp(models.NewAmount(200)) != 0 || count != 1 {
		t.Fatalf("same-day totals wrong: %s/%d", amount, count)
	}
	amount, count = l.DayTotals("sk", afterMidnight)
	if amount.Sign() != 0 || count != 0 {
		t.Fatalf("expected fresh quota after midnight, got %s/%d", amount, count)
	}
}

func TestReservationsCountUntilReleased(t *testing.T) {
	t.Parallel()
	l := NewLog()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tok := l.Reserve("sk", models.NewAmount(75), now)

	amount, count := l.DayTotals("sk", now)
	if amount.Cmp(models.NewAmount(75)) != 0 || count != 1 {
		t.Fatalf("reservation not counted: %s/%d", amount, count)
	}

	l.Release("sk", tok)
	amount, count = l.DayTotals("sk", now)
	if amount.Sign() != 0 || count != 0 {
		t.Fatalf("release should restore quota, got %s/%d", amount, count)
	}
	if len(l.Entries("sk")) != 0 {
		t.Fatal("release must not create entries")
	}
}

func TestReservationCommit(t *testing.T) {
	t.Parallel()
	l := NewLog()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tok := l.Reserve("sk", models.NewAmount(75), now)
	l.Commit("sk", tok, entry(75, now))

	amount, count := l.DayTotals("sk", now)
	if amount.Cmp(models.NewAmount(75)) != 0 || count != 1 {
		t.Fatalf("commit double-counted or lost: %s/%d", amount, count)
	}
	entries := l.Entries("sk")
	if len(entries) != 1 || entries[0].Amount.Cmp(models.NewAmount(75)) != 0 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestStatisticsFloorAverage(t *testing.T) {
	t.Parallel()
	l := NewLog()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l.Append("sk", entry(10, now))
	l.Append("sk", entry(10, now.Add(time.Minute)))
	l.Append("sk", entry(5, now.Add(2*time.Minute)))

	stats := l.Statistics("sk")
	if stats.TotalCount != 3 {
		t.Fatalf("expected 3 entries, got %d", stats.TotalCount)
	}
	if stats.TotalAmount.Cmp(models.NewAmount(25)) != 0 {
		t.Fatalf("unexpected total: %s", stats.TotalAmount)
	}
	// 25/3 floors to 8.
	if stats.AverageAmount.Cmp(models.NewAmount(8)) != 0 {
		t.Fatalf("expected floor average 8, got %s", stats.AverageAmount)
	}
	if stats.LastUsed == nil || !stats.LastUsed.Equal(now.Add(2*time.Minute)) {
		t.Fatalf("unexpected last used: %v", stats.LastUsed)
	}
	if stats.PerDay["2026-03-10"].Cmp(models.NewAmount(25)) != 0 {
		t.Fatalf("unexpected per-day breakdown: %+v", stats.PerDay)
	}
}

func TestStatisticsEmpty(t *testing.T) {
	t.Parallel()
	l := NewLog()
	stats := l.Statistics("missing")
	if stats.TotalCount != 0 || stats.TotalAmount.Sign() != 0 || stats.AverageAmount.Sign() != 0 || stats.LastUsed != nil {
		t.Fatalf("unexpected stats for empty history: %+v", stats)
	}
}

func TestEntriesReturnsCopy(t *testing.T) {
	t.Parallel()
	l := NewLog()
	now := time.Now().UTC()
	l.Append("sk", entry(1, now))
	got := l.Entries("sk")
	got[0].TxReference = "mutated"
	if l.Entries("sk")[0].TxReference != "0xtx" {
		t.Fatal("Entries must return a copy")
	}
}
