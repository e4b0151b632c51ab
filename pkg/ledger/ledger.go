package ledger

import (
	"sync"
	"time"

	"paywarp/pkg/models"
)

// Log is the append-only usage ledger. Committed entries are never mutated
// or removed; they are the sole basis for quota arithmetic. Pending
// reservations hold quota between policy admission and signer confirmation
// so the daily caps cannot be exceeded by concurrent callers.
type Log struct {
	mu      sync.Mutex
	entries map[string][]models.SessionKeyUsage
	pending map[string]map[uint64]reservation
	nextTok uint64
}

type reservation struct {
	amount *models.Amount
	day    string
}

func NewLog() *Log {
	return &Log{
		entries: map[string][]models.SessionKeyUsage{},
		pending: map[string]map[uint64]reservation{},
	}
}

// DayKey is the UTC calendar-day bucket for a timestamp. The window is a
// calendar day, not a trailing 24 hours.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Append commits one usage entry.
func (l *Log) Append(credentialID string, usage models.SessionKeyUsage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[credentialID] = append(l.entries[credentialID], usage)
}

// Reserve holds amount against the credential's current day and returns a
// token for Commit or Release. Reserved quota is counted by DayTotals.
func (l *Log) Reserve(credentialID string, amount *models.Amount, now time.Time) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextTok++
	tok := l.nextTok
	m, ok := l.pending[credentialID]
	if !ok {
		m = map[uint64]reservation{}
		l.pending[credentialID] = m
	}
	m[tok] = reservation{amount: amount.Clone(), day: DayKey(now)}
	return tok
}

// Commit converts a reservation into a committed entry.
func (l *Log) Commit(credentialID string, token uint64, usage models.SessionKeyUsage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.pending[credentialID]; ok {
		delete(m, token)
	}
	l.entries[credentialID] = append(l.entries[credentialID], usage)
}

// Release drops a reservation without consuming quota.
func (l *Log) Release(credentialID string, token uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.pending[credentialID]; ok {
		delete(m, token)
	}
}

// DayTotals sums committed entries and pending reservations whose timestamp
// falls on the same UTC calendar day as now.
func (l *Log) DayTotals(credentialID string, now time.Time) (*models.Amount, int) {
	day := DayKey(now)
	l.mu.Lock()
	defer l.mu.Unlock()
	total := models.Zero()
	count := 0
	for _, e := range l.entries[credentialID] {
		if DayKey(e.Timestamp) != day {
			continue
		}
		total = total.Add(e.Amount)
		count++
	}
	for _, r := range l.pending[credentialID] {
		if r.day != day {
			continue
		}
		total = total.Add(r.amount)
		count++
	}
	return total, count
}

// Entries returns a copy of the committed history, oldest first.
func (l *Log) Entries(credentialID string) []models.SessionKeyUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.entries[credentialID]
	out := make([]models.SessionKeyUsage, len(src))
	copy(out, src)
	return out
}

// Statistics aggregates the full committed history. Average uses floor
// division on the arbitrary-precision total.
func (l *Log) Statistics(credentialID string) models.UsageStatistics {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := models.UsageStatistics{
		TotalAmount:   models.Zero(),
		AverageAmount: models.Zero(),
		PerDay:        map[string]*models.Amount{},
	}
	for _, e := range l.entries[credentialID] {
		stats.TotalCount++
		stats.TotalAmount = stats.TotalAmount.Add(e.Amount)
		day := DayKey(e.Timestamp)
		prev, ok := stats.PerDay[day]
		if !ok {
			prev = models.Zero()
		}
		stats.PerDay[day] = prev.Add(e.Amount)
		ts := e.Timestamp
		if stats.LastUsed == nil || ts.After(*stats.LastUsed) {
			stats.LastUsed = &ts
		}
	}
	if stats.TotalCount > 0 {
		stats.AverageAmount = stats.TotalAmount.Div(int64(stats.TotalCount))
	}
	return stats
}
