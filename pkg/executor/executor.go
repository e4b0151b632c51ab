package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"paywarp/pkg/audit"
	"paywarp/pkg/ledger"
	"paywarp/pkg/models"
	"paywarp/pkg/registry"
	"paywarp/pkg/spendpolicy"
	"paywarp/pkg/statebus"
	"paywarp/pkg/stream"
	"paywarp/pkg/wallet"
)

// ConsumeAtSubmission names the accounting policy: quota is consumed when
// the signer accepts a submission, not at on-chain confirmation. A
// transaction that later reverts still counts against the day.
const ConsumeAtSubmission = true

// ReasonConfirmationRequired is a gateway-level denial for credentials that
// require explicit user confirmation; policy reasons take precedence.
const ReasonConfirmationRequired = "CONFIRMATION_REQUIRED"

// ReasonSubmissionFailed marks a signer failure after policy admission.
// Quota is preserved so the caller can retry.
const ReasonSubmissionFailed = "SUBMISSION_FAILED"

var ErrSubmissionFailed = errors.New("submission failed")

// Signer is the external signer/broadcaster collaborator. It may embed its
// own retries and confirmation waiting; the gateway performs none.
type Signer interface {
	Submit(ctx context.Context, identity wallet.Identity, contract, method string, amount *models.Amount, payload []byte) (string, error)
}

// UsageArchive receives committed usage entries for durable history.
type UsageArchive interface {
	Append(ctx context.Context, credentialID string, usage models.SessionKeyUsage) error
}

// DecisionSink records every execute decision.
type DecisionSink interface {
	Append(ctx context.Context, rec audit.Decision) error
}

// Gateway orchestrates evaluate, reserve, submit, commit. It holds no
// credential state of its own.
type Gateway struct {
	Registry *registry.Registry
	Ledger   *ledger.Log
	Signer   Signer
	Archive  UsageArchive
	Audit    DecisionSink
	Events   *stream.Hub
	Bus      statebus.Publisher
	Now      func() time.Time
}

// Request is one proposed action against a credential.
type Request struct {
	CredentialID    string
	ContractAddress string
	MethodName      string
	Amount          *models.Amount
	Payload         []byte
	Confirmed       bool
}

// Execute runs the full admission pipeline. The per-credential lock is held
// only across the in-memory check and quota reservation, never across the
// signer round-trip; a failed submission releases the reservation.
func (g *Gateway) Execute(ctx context.Context, req Request) (models.ExecuteResponse, error) {
	now := g.now()
	decisionID := uuid.New().String()
	if req.Amount == nil {
		req.Amount = models.Zero()
	}
	proposal := spendpolicy.Proposal{
		ContractAddress: req.ContractAddress,
		MethodName:      req.MethodName,
		Amount:          req.Amount,
	}

	lock, ok := g.Registry.LockKey(req.CredentialID)
	if !ok {
		res := spendpolicy.Evaluate(nil, spendpolicy.DayTotals{Amount: models.Zero()}, proposal, now)
		return g.denied(ctx, decisionID, req, res), nil
	}
	state := lock.State()
	amount, count := g.Ledger.DayTotals(req.CredentialID, now)
	totals := spendpolicy.DayTotals{Amount: amount, Count: count}
	res := spendpolicy.Evaluate(&state, totals, proposal, now)
	// Lazy expiry is an explicit transition, not a side effect of the pure
	// evaluator, and it runs after evaluation so the first denial past the
	// deadline reads EXPIRED rather than INACTIVE.
	lock.ExpireIfDue(now)
	if !res.Allowed() {
		lock.Unlock()
		return g.denied(ctx, decisionID, req, res), nil
	}
	if state.Config.RequireUserConfirmation && !req.Confirmed {
		lock.Unlock()
		res.Verdict = spendpolicy.VerdictDeny
		res.ReasonCode = ReasonConfirmationRequired
		return g.denied(ctx, decisionID, req, res), nil
	}
	token := g.Ledger.Reserve(req.CredentialID, req.Amount, now)
	lock.Unlock()

	identity, ok := g.Registry.Identity(req.CredentialID)
	if !ok {
		g.Ledger.Release(req.CredentialID, token)
		res.Verdict = spendpolicy.VerdictDeny
		res.ReasonCode = spendpolicy.ReasonNotFound
		return g.denied(ctx, decisionID, req, res), nil
	}
	txRef, err := g.Signer.Submit(ctx, identity, req.ContractAddress, req.MethodName, req.Amount, req.Payload)
	if err != nil {
		g.Ledger.Release(req.CredentialID, token)
		resp := models.ExecuteResponse{
			Verdict:    spendpolicy.VerdictDeny,
			ReasonCode: ReasonSubmissionFailed,
			DecisionID: decisionID,
		}
		g.record(ctx, decisionID, req, resp.Verdict, resp.ReasonCode, "")
		return resp, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	usage := models.SessionKeyUsage{
		TxReference:     txRef,
		Amount:          req.Amount.Clone(),
		Timestamp:       now,
		ContractAddress: req.ContractAddress,
		MethodName:      req.MethodName,
	}
	g.Ledger.Commit(req.CredentialID, token, usage)
	if g.Archive != nil {
		if err := g.Archive.Append(ctx, req.CredentialID, usage); err != nil {
			log.Printf("usage archive append failed: %v", err)
		}
	}
	g.publishUsage(ctx, req.CredentialID, usage)
	g.record(ctx, decisionID, req, spendpolicy.VerdictAllow, "", txRef)

	afterAmount, afterCount := g.Ledger.DayTotals(req.CredentialID, now)
	limits := spendpolicy.CheckLimits(&state, spendpolicy.DayTotals{Amount: afterAmount, Count: afterCount}, now)
	return models.ExecuteResponse{
		Verdict:     spendpolicy.VerdictAllow,
		TxReference: txRef,
		DecisionID:  decisionID,
		Limits:      &limits,
	}, nil
}

// CheckLimits returns the point-in-time quota snapshot for a credential.
// The snapshot is computed before the lazy expiry transition so a freshly
// expired credential reports EXPIRED on its first check.
func (g *Gateway) CheckLimits(credentialID string) models.SessionKeyLimits {
	now := g.now()
	state, ok := g.Registry.Get(credentialID)
	if !ok {
		return spendpolicy.CheckLimits(nil, spendpolicy.DayTotals{Amount: models.Zero()}, now)
	}
	amount, count := g.Ledger.DayTotals(credentialID, now)
	limits := spendpolicy.CheckLimits(&state, spendpolicy.DayTotals{Amount: amount, Count: count}, now)
	g.Registry.ExpireIfDue(credentialID, now)
	return limits
}

func (g *Gateway) denied(ctx context.Context, decisionID string, req Request, res spendpolicy.Result) models.ExecuteResponse {
	resp := models.ExecuteResponse{
		Verdict:    res.Verdict,
		ReasonCode: res.ReasonCode,
		DecisionID: decisionID,
	}
	if res.ReasonCode != spendpolicy.ReasonNotFound {
		limits := res.Limits
		resp.Limits = &limits
	}
	g.record(ctx, decisionID, req, res.Verdict, res.ReasonCode, "")
	return resp
}

func (g *Gateway) record(ctx context.Context, decisionID string, req Request, verdict, reason, txRef string) {
	if g.Audit == nil {
		return
	}
	principal := ""
	if state, ok := g.Registry.Get(req.CredentialID); ok {
		principal = state.Principal
	}
	rec := audit.Decision{
		DecisionID:      decisionID,
		CredentialID:    req.CredentialID,
		Principal:       principal,
		ContractAddress: req.ContractAddress,
		MethodName:      req.MethodName,
		Amount:          req.Amount.String(),
		Verdict:         verdict,
		ReasonCode:      reason,
		TxReference:     txRef,
		CreatedAt:       g.now(),
	}
	if err := g.Audit.Append(ctx, rec); err != nil {
		log.Printf("decision audit append failed: %v", err)
	}
}

func (g *Gateway) publishUsage(ctx context.Context, credentialID string, usage models.SessionKeyUsage) {
	if g.Events != nil {
		g.Events.Publish(stream.NewEvent(statebus.EventUsage, usage))
	}
	if g.Bus != nil {
		data, _ := json.Marshal(usage)
		evt := statebus.Event{
			Type:         statebus.EventUsage,
			CredentialID: credentialID,
			At:           usage.Timestamp,
			Data:         data,
		}
		if err := g.Bus.Publish(ctx, evt); err != nil {
			log.Printf("usage event publish failed: %v", err)
		}
	}
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}
