package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"
)

func TestObserveEndpoint(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Observe("/v1/execute", 200, 10*time.Millisecond)
	r.Observe("/v1/execute", 403, 30*time.Millisecond)

	snap := r.Snapshot()
	stat := snap.Endpoints["/v1/execute"]
	if stat.Count != 2 || stat.ErrorCount != 1 {
		t.Fatalf("unexpected stat: %+v", stat)
	}
	if stat.MaxMillis != 30 || stat.AverageMillis != 20 {
		t.Fatalf("latency aggregation wrong: %+v", stat)
	}
	if stat.LastStatusCode != 403 {
		t.Fatalf("last status not tracked: %+v", stat)
	}
}

func TestVerdictReasonCounters(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.IncVerdict("ALLOW")
	r.IncVerdict("DENY")
	r.IncVerdict("DENY")
	r.IncVerdict("")
	r.IncReason("PER_TX_LIMIT_EXCEEDED")
	r.IncVerdictReason("DENY", "PER_TX_LIMIT_EXCEEDED")
	r.IncVerdictReason("ALLOW", "")
	r.IncVerdictReason("", "ignored")

	snap := r.Snapshot()
	if snap.Verdicts["ALLOW"] != 1 || snap.Verdicts["DENY"] != 2 {
		t.Fatalf("verdict counts: %+v", snap.Verdicts)
	}
	if snap.Reasons["PER_TX_LIMIT_EXCEEDED"] != 1 {
		t.Fatalf("reason counts: %+v", snap.Reasons)
	}
	if snap.VerdictReason["DENY|PER_TX_LIMIT_EXCEEDED"] != 1 || snap.VerdictReason["ALLOW|NONE"] != 1 {
		t.Fatalf("verdict-reason counts: %+v", snap.VerdictReason)
	}
	if len(snap.VerdictReason) != 2 {
		t.Fatalf("empty verdict must not count: %+v", snap.VerdictReason)
	}
}

func TestExecuteLatency(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.ObserveExecuteLatency(10 * time.Millisecond)
	r.ObserveExecuteLatency(30 * time.Millisecond)
	r.ObserveExecuteLatency(-time.Millisecond)

	lat := r.Snapshot().ExecuteLatencyMS
	if lat.Count != 3 || lat.TotalMS != 40 || lat.MaxMS != 30 || lat.LastMS != 0 {
		t.Fatalf("unexpected latency stat: %+v", lat)
	}
}

func TestGauges(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.SetGauge("stream_subscribers", 3)
	r.SetGauge("stream_subscribers", 5)
	r.SetGauge("", 9)

	snap := r.Snapshot()
	if snap.Gauges["stream_subscribers"] != 5 {
		t.Fatalf("gauge not updated: %+v", snap.Gauges)
	}
	if len(snap.Gauges) != 1 {
		t.Fatalf("empty gauge name must be ignored: %+v", snap.Gauges)
	}
}

func TestHandlerServesSnapshot(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.IncVerdict("ALLOW")
	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metricsz", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type: %s", ct)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Verdicts["ALLOW"] != 1 || snap.GeneratedAt == "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
