package settlementd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GatewayClient talks to the settlement gateway over HTTP JSON. It
// implements TxBuilder, TxSubmitter, and BackingChecker; transient
// failures are wrapped in ErrTransport so the processor retries them.
type GatewayClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewGatewayClient constructs a client from the gateway configuration.
func NewGatewayClient(cfg GatewayConfig) *GatewayClient {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewayClient{
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		authToken: strings.TrimSpace(cfg.AuthToken),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type gatewayClaim struct {
	ID          string `json:"id"`
	Participant string `json:"participant"`
	Type        string `json:"type"`
	Tokens      string `json:"tokens"`
	Currency    string `json:"currency"`
	SourceTxID  string `json:"sourceTxId,omitempty"`
}

type buildRequest struct {
	VaultID  string         `json:"vaultId"`
	BatchRef string         `json:"batchRef"`
	Claims   []gatewayClaim `json:"claims"`
}

type buildResponse struct {
	Payload string `json:"payload"`
}

// Build asks the gateway to assemble a settlement transaction for the
// batch. A size rejection surfaces as ErrSizeLimitExceeded so the
// processor can split.
func (c *GatewayClient) Build(ctx context.Context, spec BatchSpec) (RawTransaction, error) {
	req := buildRequest{VaultID: spec.VaultID, BatchRef: spec.BatchRef}
	for _, claim := range spec.Claims {
		entry := gatewayClaim{
			ID:          claim.ID,
			Participant: claim.Participant,
			Type:        string(claim.Type),
			Tokens:      bigString(claim.Tokens),
			Currency:    bigString(claim.Currency),
			SourceTxID:  claim.SourceTxID,
		}
		req.Claims = append(req.Claims, entry)
	}
	var resp buildResponse
	if err := c.post(ctx, "/v1/settlement/build", req, &resp); err != nil {
		return RawTransaction{}, err
	}
	payload, err := base64.StdEncoding.DecodeString(resp.Payload)
	if err != nil {
		return RawTransaction{}, fmt.Errorf("decode build payload: %w", err)
	}
	return RawTransaction{Payload: payload}, nil
}

type submitRequest struct {
	Payload string `json:"payload"`
}

type submitResponse struct {
	TxRef string `json:"txRef"`
}

// Submit broadcasts the settlement transaction and returns its ledger
// reference.
func (c *GatewayClient) Submit(ctx context.Context, tx RawTransaction) (string, error) {
	req := submitRequest{Payload: base64.StdEncoding.EncodeToString(tx.Payload)}
	var resp submitResponse
	if err := c.post(ctx, "/v1/settlement/submit", req, &resp); err != nil {
		return "", err
	}
	ref := strings.TrimSpace(resp.TxRef)
	if ref == "" {
		return "", fmt.Errorf("gateway returned empty transaction reference")
	}
	return ref, nil
}

type backingResponse struct {
	State   string `json:"state"`
	SpentBy string `json:"spentBy"`
}

// Check inspects the backing outputs of a source transaction.
func (c *GatewayClient) Check(ctx context.Context, sourceTxID string) (Backing, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/outputs/"+sourceTxID, nil)
	if err != nil {
		return Backing{}, err
	}
	c.authorize(httpReq)
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Backing{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode == http.StatusNotFound {
		return Backing{State: BackingMissing}, nil
	}
	if err := checkStatus(httpResp); err != nil {
		return Backing{}, err
	}
	var resp backingResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return Backing{}, fmt.Errorf("decode backing response: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(resp.State)) {
	case "unspent":
		return Backing{State: BackingUnspent}, nil
	case "spent":
		return Backing{State: BackingSpent, SpentBy: strings.TrimSpace(resp.SpentBy)}, nil
	default:
		return Backing{}, fmt.Errorf("gateway returned unknown backing state %q", resp.State)
	}
}

func (c *GatewayClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer httpResp.Body.Close()
	if err := checkStatus(httpResp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *GatewayClient) authorize(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return ErrSizeLimitExceeded
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: gateway status %d", ErrTransport, resp.StatusCode)
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
}

var _ TxBuilder = (*GatewayClient)(nil)
var _ TxSubmitter = (*GatewayClient)(nil)
var _ BackingChecker = (*GatewayClient)(nil)
