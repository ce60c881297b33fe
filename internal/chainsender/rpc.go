package chainsender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nhb-labs/loanbridge/internal/ratelimit"
)

// RPCSender adapts an API-key/secret-authenticated HTTP JSON settlement
// endpoint to the Sender interface, narrowed to the methods the dispatcher
// needs.
type RPCSender struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
	limiter   *ratelimit.Limiter
	callLimit int
}

// RPCOption customises an RPCSender.
type RPCOption func(*RPCSender)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) RPCOption { return func(r *RPCSender) { r.client = c } }

// WithCallLimit bounds outbound calls per minute via the shared limiter.
func WithCallLimit(n int) RPCOption { return func(r *RPCSender) { r.callLimit = n } }

// NewRPCSender constructs an RPCSender targeting baseURL.
func NewRPCSender(baseURL, apiKey, apiSecret string, opts ...RPCOption) *RPCSender {
	r := &RPCSender{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: 15 * time.Second},
		limiter:   ratelimit.New(ratelimit.WithWindow(time.Minute)),
		callLimit: 300,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RPCSender) do(ctx context.Context, method, path string, body any, out any) error {
	if !r.limiter.Allow("chain-rpc", r.callLimit, time.Now()) {
		return fmt.Errorf("chainsender: outbound rate limit exceeded")
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("chainsender: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("chainsender: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", r.apiKey)
	req.Header.Set("x-api-secret", r.apiSecret)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("chainsender: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chainsender: rpc status %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("chainsender: decode response: %w", err)
	}
	return nil
}

func (r *RPCSender) SendAction(ctx context.Context, req SendRequest) (SendResult, error) {
	var out SendResult
	if err := r.do(ctx, http.MethodPost, "/actions/send", req, &out); err != nil {
		return SendResult{}, err
	}
	return out, nil
}

func (r *RPCSender) BumpAndReplace(ctx context.Context, req BumpRequest) (BumpResult, error) {
	var out BumpResult
	if err := r.do(ctx, http.MethodPost, "/actions/bump", req, &out); err != nil {
		return BumpResult{}, err
	}
	return out, nil
}

func (r *RPCSender) GetReceipt(ctx context.Context, txHash string) (Receipt, error) {
	var out struct {
		Receipt *Receipt `json:"receipt"`
	}
	if err := r.do(ctx, http.MethodGet, "/receipts/"+txHash, nil, &out); err != nil {
		return Receipt{}, err
	}
	if out.Receipt == nil {
		return Receipt{}, ErrReceiptPending
	}
	return *out.Receipt, nil
}

func (r *RPCSender) IsHealthy(ctx context.Context) bool {
	var out struct {
		Healthy bool `json:"healthy"`
	}
	if err := r.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return false
	}
	return out.Healthy
}

func (r *RPCSender) PendingNonce(ctx context.Context, signer string) (uint64, error) {
	var out struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := r.do(ctx, http.MethodGet, "/signers/"+signer+"/pending-nonce", nil, &out); err != nil {
		return 0, err
	}
	return out.Nonce, nil
}
