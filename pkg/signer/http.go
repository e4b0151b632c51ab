package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"paywarp/pkg/httpx"
	"paywarp/pkg/models"
	"paywarp/pkg/wallet"
)

// HTTPSigner submits admitted actions to a relayer service that signs and
// broadcasts them. Gas estimation, nonce management and confirmation waiting
// are the relayer's concern.
type HTTPSigner struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthHeader string
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

func NewHTTPSigner(baseURL string, timeout time.Duration) *HTTPSigner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSigner{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		RetryDelay: 200 * time.Millisecond,
	}
}

type submitRequest struct {
	From            string `json:"from"`
	ContractAddress string `json:"contract_address"`
	MethodName      string `json:"method_name"`
	Amount          string `json:"amount"`
	Payload         []byte `json:"payload,omitempty"`
	Signature       string `json:"signature"`
}

type submitResponse struct {
	TxReference string `json:"tx_reference"`
	Error       string `json:"error,omitempty"`
}

func (s *HTTPSigner) Submit(ctx context.Context, identity wallet.Identity, contract, method string, amount *models.Amount, payload []byte) (string, error) {
	binding := fmt.Sprintf("%s|%s|%s|%s", identity.Address, contract, method, amount.String())
	sig, err := identity.Capability.Sign([]byte(binding))
	if err != nil {
		return "", fmt.Errorf("sign submission: %w", err)
	}
	body, err := json.Marshal(submitRequest{
		From:            identity.Address,
		ContractAddress: contract,
		MethodName:      method,
		Amount:          amount.String(),
		Payload:         payload,
		Signature:       fmt.Sprintf("%x", sig),
	})
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}
	headers := map[string]string{}
	if s.AuthHeader != "" && s.AuthToken != "" {
		headers[s.AuthHeader] = s.AuthToken
	}
	status, respBody, err := httpx.Do(ctx, s.HTTPClient, httpx.Request{
		Method:  http.MethodPost,
		URL:     s.BaseURL + "/v1/submit",
		Body:    body,
		Headers: headers,
	}, s.Retries+1, s.RetryDelay)
	if err != nil {
		return "", fmt.Errorf("relayer request: %w", err)
	}
	var resp submitResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("relayer response: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		msg := resp.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", status)
		}
		return "", fmt.Errorf("relayer rejected submission: %s", msg)
	}
	if resp.TxReference == "" {
		return "", fmt.Errorf("relayer returned no tx reference")
	}
	return resp.TxReference, nil
}
