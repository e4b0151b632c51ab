package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"paywarp/pkg/auth"
	"paywarp/pkg/executor"
	"paywarp/pkg/httpx"
	"paywarp/pkg/models"
	"paywarp/pkg/registry"
	"paywarp/pkg/spendpolicy"
	"paywarp/pkg/statebus"
	"paywarp/pkg/stream"
)

type createKeyRequest struct {
	MaxTransactionAmount    *models.Amount `json:"max_transaction_amount"`
	MaxDailyAmount          *models.Amount `json:"max_daily_amount"`
	MaxTransactionCount     int            `json:"max_transaction_count"`
	ExpirationTime          time.Time      `json:"expiration_time"`
	AllowedContracts        []string       `json:"allowed_contracts"`
	AllowedMethods          []string       `json:"allowed_methods"`
	RequireUserConfirmation bool           `json:"require_user_confirmation"`
	EmergencyRevocation     bool           `json:"emergency_revocation"`
}

func (s *Server) createSessionKey(w http.ResponseWriter, r *http.Request) {
	principal, err := s.principal(r)
	if err != nil {
		httpx.Error(w, 401, err.Error())
		return
	}
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	cfg := models.SessionKeyConfig{
		MaxTransactionAmount:    req.MaxTransactionAmount,
		MaxDailyAmount:          req.MaxDailyAmount,
		MaxTransactionCount:     req.MaxTransactionCount,
		ExpirationTime:          req.ExpirationTime,
		AllowedContracts:        req.AllowedContracts,
		AllowedMethods:          req.AllowedMethods,
		RequireUserConfirmation: req.RequireUserConfirmation,
		EmergencyRevocation:     req.EmergencyRevocation,
	}
	id, err := s.Registry.Create(principal, cfg)
	if err != nil {
		if errors.Is(err, registry.ErrConfigInvalid) {
			httpx.Error(w, 400, err.Error())
			return
		}
		internalServerError(w, "create session key", err)
		return
	}
	state, _ := s.Registry.Get(id)
	httpx.WriteJSON(w, 201, map[string]string{"id": id, "address": state.Address})
}

func (s *Server) listSessionKeys(w http.ResponseWriter, r *http.Request) {
	principal, err := s.principal(r)
	if err != nil {
		httpx.Error(w, 401, err.Error())
		return
	}
	ids := s.Registry.ListActive(principal, time.Now().UTC())
	if ids == nil {
		ids = []string{}
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"session_keys": ids})
}

func (s *Server) getSessionKey(w http.ResponseWriter, r *http.Request) {
	state, ok := s.ownedKey(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, 200, state)
}

func (s *Server) sessionKeyLimits(w http.ResponseWriter, r *http.Request) {
	state, ok := s.ownedKey(w, r)
	if !ok {
		return
	}
	limits := s.Gateway.CheckLimits(state.ID)
	httpx.WriteJSON(w, 200, models.DecisionResponse{
		Verdict:    verdictFor(limits.CanExecute),
		ReasonCode: limits.LimitReachedReason,
		Limits:     &limits,
	})
}

func (s *Server) sessionKeyUsage(w http.ResponseWriter, r *http.Request) {
	state, ok := s.ownedKey(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, 200, s.Ledger.Statistics(state.ID))
}

func (s *Server) revokeSessionKey(w http.ResponseWriter, r *http.Request) {
	state, ok := s.ownedKey(w, r)
	if !ok {
		return
	}
	reason := "user_requested"
	if r.Body != nil {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && strings.TrimSpace(req.Reason) != "" {
			reason = req.Reason
		}
	}
	revoked := s.Registry.Revoke(state.ID, reason)
	if revoked {
		s.publishLifecycle(r.Context(), statebus.EventRevoked, state.ID, reason)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"id": state.ID, "revoked": revoked})
}

func (s *Server) emergencyRevoke(w http.ResponseWriter, r *http.Request) {
	principal, err := s.principal(r)
	if err != nil {
		httpx.Error(w, 401, err.Error())
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "emergency"
	}
	count := s.Registry.EmergencyRevokeAll(principal, req.Reason)
	if count > 0 {
		s.publishLifecycle(r.Context(), statebus.EventRevoked, "", req.Reason)
	}
	httpx.WriteJSON(w, 200, map[string]int{"revoked": count})
}

type executeRequest struct {
	CredentialID    string          `json:"credential_id"`
	ContractAddress string          `json:"contract_address"`
	MethodName      string          `json:"method_name"`
	Amount          *models.Amount  `json:"amount"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Confirmed       bool            `json:"confirmed"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	principal, err := s.principal(r)
	if err != nil {
		httpx.Error(w, 401, err.Error())
		return
	}
	if s.RateLimitEnabled && s.RateLimiter != nil {
		decision := s.RateLimiter.Allow("principal:"+principal, s.RateLimitPerMinute)
		if !decision.Allowed {
			w.Header().Set("Retry-After", decision.ResetAt.UTC().Format(http.TimeFormat))
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.CredentialID == "" || req.ContractAddress == "" || req.MethodName == "" {
		httpx.Error(w, 400, "credential_id, contract_address and method_name required")
		return
	}
	if state, ok := s.Registry.Get(req.CredentialID); ok && state.Principal != principal {
		httpx.Error(w, 403, "credential belongs to another principal")
		return
	}

	idemKey := ""
	if req.IdempotencyKey != "" {
		idemKey = "idem:" + principal + ":" + req.IdempotencyKey
		if cached, err := s.Cache.Get(r.Context(), idemKey); err == nil && cached != "" {
			var resp models.ExecuteResponse
			if json.Unmarshal([]byte(cached), &resp) == nil {
				httpx.WriteJSON(w, statusForVerdict(resp), resp)
				return
			}
		}
	}

	start := time.Now()
	resp, execErr := s.Gateway.Execute(r.Context(), executor.Request{
		CredentialID:    req.CredentialID,
		ContractAddress: req.ContractAddress,
		MethodName:      req.MethodName,
		Amount:          req.Amount,
		Payload:         req.Payload,
		Confirmed:       req.Confirmed,
	})
	s.Metrics.ObserveExecuteLatency(time.Since(start))
	s.Metrics.IncVerdict(resp.Verdict)
	s.Metrics.IncReason(resp.ReasonCode)
	s.Metrics.IncVerdictReason(resp.Verdict, resp.ReasonCode)
	if execErr != nil && !errors.Is(execErr, executor.ErrSubmissionFailed) {
		internalServerError(w, "execute", execErr)
		return
	}
	if idemKey != "" && resp.Verdict == spendpolicy.VerdictAllow {
		if raw, err := json.Marshal(resp); err == nil {
			_ = s.Cache.Set(r.Context(), idemKey, string(raw), s.IdempotencyTTL)
		}
	}
	httpx.WriteJSON(w, statusForVerdict(resp), resp)
}

func (s *Server) cleanupExpired(w http.ResponseWriter, r *http.Request) {
	count := s.Registry.CleanupExpired(time.Now().UTC())
	if count > 0 {
		s.publishLifecycle(r.Context(), statebus.EventExpired, "", "cleanup")
	}
	httpx.WriteJSON(w, 200, map[string]int{"expired": count})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer sub.Close()
	s.Metrics.SetGauge("event_subscribers", float64(s.Events.SubscriberCount()))

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// ownedKey resolves {id} and enforces that the caller owns the credential.
// Operators may read any credential.
func (s *Server) ownedKey(w http.ResponseWriter, r *http.Request) (models.SessionKeyState, bool) {
	id := chi.URLParam(r, "id")
	state, ok := s.Registry.Get(id)
	if !ok {
		httpx.Error(w, 404, "session key not found")
		return models.SessionKeyState{}, false
	}
	if strings.EqualFold(s.AuthMode, "off") {
		return state, true
	}
	principal, perr := s.principal(r)
	if perr != nil {
		httpx.Error(w, 401, perr.Error())
		return models.SessionKeyState{}, false
	}
	if state.Principal != principal {
		if p, ok := auth.PrincipalFromContext(r.Context()); !ok || !auth.HasAnyRole(p, "operator") {
			httpx.Error(w, 403, "forbidden")
			return models.SessionKeyState{}, false
		}
	}
	return state, true
}

func (s *Server) principal(r *http.Request) (string, error) {
	if strings.EqualFold(s.AuthMode, "off") {
		if p := strings.TrimSpace(r.Header.Get("X-Principal")); p != "" {
			return p, nil
		}
		return "anonymous", nil
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || strings.TrimSpace(principal.Subject) == "" {
		return "", errors.New("unauthenticated")
	}
	return principal.Subject, nil
}

func (s *Server) publishLifecycle(ctx context.Context, eventType, credentialID, reason string) {
	payload := map[string]string{"reason": reason}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(eventType, payload))
	}
	if s.Bus != nil {
		data, _ := json.Marshal(payload)
		err := s.Bus.Publish(ctx, statebus.Event{
			Type:         eventType,
			CredentialID: credentialID,
			At:           time.Now().UTC(),
			Data:         data,
		})
		if err != nil {
			log.Printf("lifecycle event publish failed: %v", err)
		}
	}
}

func statusForVerdict(resp models.ExecuteResponse) int {
	if resp.Verdict == spendpolicy.VerdictAllow {
		return 200
	}
	switch resp.ReasonCode {
	case spendpolicy.ReasonNotFound:
		return 404
	case spendpolicy.ReasonPerTxLimit, spendpolicy.ReasonDailyAmountLimit, spendpolicy.ReasonDailyCountLimit:
		return 429
	case executor.ReasonSubmissionFailed:
		return 502
	default:
		return 403
	}
}

func verdictFor(canExecute bool) string {
	if canExecute {
		return spendpolicy.VerdictAllow
	}
	return spendpolicy.VerdictDeny
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	log.Printf("%s: %v", op, err)
	httpx.Error(w, 500, op+" failed")
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
