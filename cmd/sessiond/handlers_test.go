package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"paywarp/pkg/executor"
	"paywarp/pkg/ledger"
	"paywarp/pkg/metrics"
	"paywarp/pkg/models"
	"paywarp/pkg/ratelimit"
	"paywarp/pkg/registry"
	"paywarp/pkg/spendpolicy"
	"paywarp/pkg/statebus"
	"paywarp/pkg/store"
	"paywarp/pkg/stream"
	"paywarp/pkg/wallet"
)

type stubSigner struct {
	submits int32
}

func (s *stubSigner) Submit(ctx context.Context, identity wallet.Identity, contract, method string, amount *models.Amount, payload []byte) (string, error) {
	n := atomic.AddInt32(&s.submits, 1)
	return fmt.Sprintf("0xtx%d", n), nil
}

func newTestServer(t *testing.T) (*Server, *stubSigner, http.Handler) {
	t.Helper()
	reg := registry.New(wallet.EphemeralProvider{})
	lg := ledger.NewLog()
	sg := &stubSigner{}
	hub := stream.NewHub()
	s := &Server{
		Registry:            reg,
		Ledger:              lg,
		Cache:               store.NewMemoryCache(),
		Metrics:             metrics.NewRegistry(),
		Events:              hub,
		Bus:                 statebus.NopPublisher{},
		RateLimiter:         ratelimit.NewInMemory(time.Minute),
		RateLimitEnabled:    false,
		RateLimitPerMinute:  60,
		AuthMode:            "off",
		IdempotencyTTL:      time.Minute,
		MaxRequestBodyBytes: 1 << 20,
	}
	s.Gateway = &executor.Gateway{
		Registry: reg,
		Ledger:   lg,
		Signer:   sg,
		Events:   hub,
		Bus:      s.Bus,
	}

	r := chi.NewRouter()
	r.Post("/v1/sessionkeys", s.createSessionKey)
	r.Get("/v1/sessionkeys", s.listSessionKeys)
	r.Get("/v1/sessionkeys/{id}", s.getSessionKey)
	r.Get("/v1/sessionkeys/{id}/limits", s.sessionKeyLimits)
	r.Get("/v1/sessionkeys/{id}/usage", s.sessionKeyUsage)
	r.Delete("/v1/sessionkeys/{id}", s.revokeSessionKey)
	r.Post("/v1/sessionkeys/emergency-revoke", s.emergencyRevoke)
	r.Post("/v1/execute", s.execute)
	r.Post("/v1/cleanup", s.withRoles(s.cleanupExpired, "operator"))
	return s, sg, r
}

func doJSON(t *testing.T, h http.Handler, method, path, principal string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if principal != "" {
		req.Header.Set("X-Principal", principal)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createKeyBody(emergency bool) map[string]any {
	return map[string]any{
		"max_transaction_amount": "100",
		"max_daily_amount":       "250",
		"max_transaction_count":  3,
		"expiration_time":        time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339),
		"allowed_contracts":      []string{"0xToken"},
		"allowed_methods":        []string{"transfer"},
		"emergency_revocation":   emergency,
	}
}

func createKey(t *testing.T, h http.Handler, principal string) string {
	t.Helper()
	rec := doJSON(t, h, "POST", "/v1/sessionkeys", principal, createKeyBody(false))
	if rec.Code != 201 {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["id"] == "" || out["address"] == "" {
		t.Fatalf("create response missing fields: %v", out)
	}
	return out["id"]
}

func executeBody(id string, amount string) map[string]any {
	return map[string]any{
		"credential_id":    id,
		"contract_address": "0xToken",
		"method_name":      "transfer",
		"amount":           amount,
		"confirmed":        true,
	}
}

func TestCreateAndGetSessionKey(t *testing.T) {
	t.Parallel()
	_, _, h := newTestServer(t)
	id := createKey(t, h, "0xalice")

	rec := doJSON(t, h, "GET", "/v1/sessionkeys/"+id, "0xalice", nil)
	if rec.Code != 200 {
		t.Fatalf("get: %d %s", rec.Code, rec.Body)
	}
	var state models.SessionKeyState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.ID != id || state.Principal != "0xalice" || !state.IsActive {
		t.Fatalf("unexpected state: %+v", state)
	}

	if rec := doJSON(t, h, "GET", "/v1/sessionkeys/missing", "0xalice", nil); rec.Code != 404 {
		t.Fatalf("missing key: %d", rec.Code)
	}
}

func TestCreateSessionKeyRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	_, _, h := newTestServer(t)
	body := createKeyBody(false)
	body["allowed_contracts"] = []string{}
	if rec := doJSON(t, h, "POST", "/v1/sessionkeys", "0xalice", body); rec.Code != 400 {
		t.Fatalf("expected 400, got %d %s", rec.Code, rec.Body)
	}
}

func TestListSessionKeysScopedByPrincipal(t *testing.T) {
	t.Parallel()
	_, _, h := newTestServer(t)
	aliceID := createKey(t, h, "0xalice")
	createKey(t, h, "0xbob")

	rec := doJSON(t, h, "GET", "/v1/sessionkeys", "0xalice", nil)
	var out struct {
		SessionKeys []string `json:"session_keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.SessionKeys) != 1 || out.SessionKeys[0] != aliceID {
		t.Fatalf("list must be scoped: %v", out.SessionKeys)
	}
}

func TestExecuteFlow(t *testing.T) {
	t.Parallel()
	_, sg, h := newTestServer(t)
	id := createKey(t, h, "0xalice")

	rec := doJSON(t, h, "POST", "/v1/execute", "0xalice", executeBody(id, "50"))
	if rec.Code != 200 {
		t.Fatalf("execute: %d %s", rec.Code, rec.Body)
	}
	var resp models.ExecuteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Verdict != spendpolicy.VerdictAllow || resp.TxReference == "" || resp.DecisionID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if atomic.LoadInt32(&sg.submits) != 1 {
		t.Fatalf("expected one submission, got %d", sg.submits)
	}

	// Quota denial maps to 429.
	rec = doJSON(t, h, "POST", "/v1/execute", "0xalice", executeBody(id, "300"))
	if rec.Code != 429 {
		t.Fatalf("per-tx violation: %d %s", rec.Code, rec.Body)
	}

	// Unknown method maps to 403.
	body := executeBody(id, "10")
	body["method_name"] = "burn"
	if rec := doJSON(t, h, "POST", "/v1/execute", "0xalice", body); rec.Code != 403 {
		t.Fatalf("method violation: %d %s", rec.Code, rec.Body)
	}

	// Unknown credential maps to 404.
	if rec := doJSON(t, h, "POST", "/v1/execute", "0xalice", executeBody("missing", "10")); rec.Code != 404 {
		t.Fatalf("unknown credential: %d %s", rec.Code, rec.Body)
	}
}

func TestExecuteOwnershipEnforced(t *testing.T) {
	t.Parallel()
	_, sg, h := newTestServer(t)
	id := createKey(t, h, "0xalice")

	rec := doJSON(t, h, "POST", "/v1/execute", "0xbob", executeBody(id, "10"))
	if rec.Code != 403 {
		t.Fatalf("foreign principal: %d %s", rec.Code, rec.Body)
	}
	if atomic.LoadInt32(&sg.submits) != 0 {
		t.Fatal("foreign principal must not reach the signer")
	}
}

func TestExecuteValidation(t *testing.T) {
	t.Parallel()
	_, _, h := newTestServer(t)
	if rec := doJSON(t, h, "POST", "/v1/execute", "0xalice", map[string]any{"credential_id": "x"}); rec.Code != 400 {
		t.Fatalf("missing fields: %d", rec.Code)
	}
}

func TestExecuteIdempotencyKey(t *testing.T) {
	t.Parallel()
	_, sg, h := newTestServer(t)
	id := createKey(t, h, "0xalice")

	body := executeBody(id, "50")
	body["idempotency_key"] = "payroll-2026-03"
	first := doJSON(t, h, "POST", "/v1/execute", "0xalice", body)
	second := doJSON(t, h, "POST", "/v1/execute", "0xalice", body)
	if first.Code != 200 || second.Code != 200 {
		t.Fatalf("status: %d %d", first.Code, second.Code)
	}
	var a, b models.ExecuteResponse
	json.Unmarshal(first.Body.Bytes(), &a)
	json.Unmarshal(second.Body.Bytes(), &b)
	if a.TxReference != b.TxReference {
		t.Fatalf("replay returned a new tx: %q vs %q", a.TxReference, b.TxReference)
	}
	if atomic.LoadInt32(&sg.submits) != 1 {
		t.Fatalf("replay must not resubmit, submits=%d", sg.submits)
	}
	used, count := mustTotals(t, h, id)
	if used != "50" || count != 1 {
		t.Fatalf("replay consumed quota: %s/%d", used, count)
	}
}

func mustTotals(t *testing.T, h http.Handler, id string) (string, int) {
	t.Helper()
	rec := doJSON(t, h, "GET", "/v1/sessionkeys/"+id+"/limits", "0xalice", nil)
	if rec.Code != 200 {
		t.Fatalf("limits: %d %s", rec.Code, rec.Body)
	}
	var resp models.DecisionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Limits.DailyAmountUsed.String(), resp.Limits.TransactionCountUsed
}

func TestExecuteRateLimit(t *testing.T) {
	t.Parallel()
	s, _, h := newTestServer(t)
	s.RateLimitEnabled = true
	s.RateLimitPerMinute = 1
	id := createKey(t, h, "0xalice")

	if rec := doJSON(t, h, "POST", "/v1/execute", "0xalice", executeBody(id, "10")); rec.Code != 200 {
		t.Fatalf("first call: %d %s", rec.Code, rec.Body)
	}
	rec := doJSON(t, h, "POST", "/v1/execute", "0xalice", executeBody(id, "10"))
	if rec.Code != 429 {
		t.Fatalf("second call should rate limit: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("rate limited response must carry Retry-After")
	}
}

func TestRevokeSessionKey(t *testing.T) {
	t.Parallel()
	_, _, h := newTestServer(t)
	id := createKey(t, h, "0xalice")

	rec := doJSON(t, h, "DELETE", "/v1/sessionkeys/"+id, "0xalice", map[string]string{"reason": "device lost"})
	if rec.Code != 200 {
		t.Fatalf("revoke: %d %s", rec.Code, rec.Body)
	}

	// Revocation is terminal: execute now denies.
	execRec := doJSON(t, h, "POST", "/v1/execute", "0xalice", executeBody(id, "10"))
	if execRec.Code != 403 {
		t.Fatalf("revoked execute: %d %s", execRec.Code, execRec.Body)
	}
	var resp models.ExecuteResponse
	json.Unmarshal(execRec.Body.Bytes(), &resp)
	if resp.ReasonCode != spendpolicy.ReasonRevoked {
		t.Fatalf("expected REVOKED, got %+v", resp)
	}

	// Second revoke reports not revoked again.
	rec = doJSON(t, h, "DELETE", "/v1/sessionkeys/"+id, "0xalice", nil)
	var out struct {
		Revoked bool `json:"revoked"`
	}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Revoked {
		t.Fatal("second revoke must be a no-op")
	}
}

type failingPublisher struct {
	calls int32
}

func (p *failingPublisher) Publish(ctx context.Context, evt statebus.Event) error {
	atomic.AddInt32(&p.calls, 1)
	return fmt.Errorf("broker unreachable")
}

func (p *failingPublisher) Close() error { return nil }

func TestRevokeSucceedsWhenBusIsDown(t *testing.T) {
	t.Parallel()
	s, _, h := newTestServer(t)
	pub := &failingPublisher{}
	s.Bus = pub
	id := createKey(t, h, "0xalice")

	rec := doJSON(t, h, "DELETE", "/v1/sessionkeys/"+id, "0xalice", map[string]string{"reason": "device lost"})
	if rec.Code != 200 {
		t.Fatalf("revoke with failing bus: %d %s", rec.Code, rec.Body)
	}
	var out struct {
		Revoked bool `json:"revoked"`
	}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if !out.Revoked {
		t.Fatal("revocation must not depend on event delivery")
	}
	if atomic.LoadInt32(&pub.calls) == 0 {
		t.Fatal("lifecycle publish was never attempted")
	}

	// The local state is authoritative even though the event was lost.
	state, _ := s.Registry.Get(id)
	if !state.IsRevoked {
		t.Fatal("key should be revoked")
	}
}

func TestEmergencyRevoke(t *testing.T) {
	t.Parallel()
	_, _, h := newTestServer(t)
	optIn := createKeyBody(true)
	rec := doJSON(t, h, "POST", "/v1/sessionkeys", "0xalice", optIn)
	var created map[string]string
	json.Unmarshal(rec.Body.Bytes(), &created)
	plainID := createKey(t, h, "0xalice")

	rec = doJSON(t, h, "POST", "/v1/sessionkeys/emergency-revoke", "0xalice", map[string]string{"reason": "wallet compromised"})
	if rec.Code != 200 {
		t.Fatalf("emergency revoke: %d %s", rec.Code, rec.Body)
	}
	var out map[string]int
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out["revoked"] != 1 {
		t.Fatalf("expected 1 revocation, got %d", out["revoked"])
	}

	// Only the opted-in credential is swept.
	var state models.SessionKeyState
	rec = doJSON(t, h, "GET", "/v1/sessionkeys/"+plainID, "0xalice", nil)
	json.Unmarshal(rec.Body.Bytes(), &state)
	if state.IsRevoked {
		t.Fatal("non-opted-in credential must survive the sweep")
	}
	rec = doJSON(t, h, "GET", "/v1/sessionkeys/"+created["id"], "0xalice", nil)
	json.Unmarshal(rec.Body.Bytes(), &state)
	if !state.IsRevoked {
		t.Fatal("opted-in credential must be revoked")
	}
}

func TestUsageStatistics(t *testing.T) {
	t.Parallel()
	_, _, h := newTestServer(t)
	id := createKey(t, h, "0xalice")
	doJSON(t, h, "POST", "/v1/execute", "0xalice", executeBody(id, "30"))
	doJSON(t, h, "POST", "/v1/execute", "0xalice", executeBody(id, "70"))

	rec := doJSON(t, h, "GET", "/v1/sessionkeys/"+id+"/usage", "0xalice", nil)
	if rec.Code != 200 {
		t.Fatalf("usage: %d %s", rec.Code, rec.Body)
	}
	var stats models.UsageStatistics
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalCount != 2 || stats.TotalAmount.String() != "100" || stats.AverageAmount.String() != "50" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	t.Parallel()
	s, _, h := newTestServer(t)
	// Backdate creation so the key is already past expiry.
	s.Registry.Now = func() time.Time { return time.Now().UTC().Add(-48 * time.Hour) }
	body := createKeyBody(false)
	body["expiration_time"] = time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	rec := doJSON(t, h, "POST", "/v1/sessionkeys", "0xalice", body)
	if rec.Code != 201 {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var created map[string]string
	json.Unmarshal(rec.Body.Bytes(), &created)
	id := created["id"]

	rec = doJSON(t, h, "POST", "/v1/cleanup", "0xops", nil)
	if rec.Code != 200 {
		t.Fatalf("cleanup: %d %s", rec.Code, rec.Body)
	}
	var out map[string]int
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out["expired"] != 1 {
		t.Fatalf("expected 1 expiry, got %d", out["expired"])
	}
	state, _ := s.Registry.Get(id)
	if state.IsActive || state.IsRevoked {
		t.Fatalf("expired key state wrong: %+v", state)
	}
}
