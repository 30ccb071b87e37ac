// Package chain is the chain gateway adapter (C4): read-only account
// fetches, transaction submission with confirmation polling, and a
// change-notification stream for one account. It is a JSON-RPC client over
// HTTP, following the same shape as the teacher's internal/rpc.TOSClient —
// a request-ID counter, a health flag, and one `call` helper every typed
// method routes through.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orepool/orepool/internal/errs"
	"github.com/orepool/orepool/internal/util"
)

// Account is a read-only snapshot of on-chain account state.
type Account struct {
	Pubkey string
	Data   []byte
	Lamports uint64
}

// ProofUpdate is one observed change to the pool's proof account: a new
// challenge plus the reward delta earned since the last observed update.
type ProofUpdate struct {
	Challenge     [32]byte
	LastHashAt    time.Time
	RewardDelta   uint64
	AvailableBus  int
}

// Gateway is the chain gateway's RPC client.
type Gateway struct {
	rpcURL  string
	timeout time.Duration
	client  *http.Client

	requestID uint64

	mu      sync.RWMutex
	healthy bool
}

// New dials a chain RPC endpoint.
func New(rpcURL string, timeout time.Duration) *Gateway {
	return &Gateway{
		rpcURL:  rpcURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		healthy: true,
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("chain rpc error %d: %s", e.Code, e.Message) }

func (g *Gateway) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&g.requestID, 1)
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errs.New(errs.Fatal, "chain.call", fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, errs.New(errs.TransientNetwork, "chain.call", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		g.recordFailure()
		return nil, errs.New(errs.TransientNetwork, "chain.call", fmt.Errorf("%s: %w", method, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		g.recordFailure()
		return nil, errs.New(errs.TransientNetwork, "chain.call", fmt.Errorf("read response: %w", err))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		g.recordFailure()
		return nil, errs.New(errs.TransientNetwork, "chain.call", fmt.Errorf("decode response: %w", err))
	}
	if rpcResp.Error != nil {
		g.recordFailure()
		return nil, errs.New(errs.TransientNetwork, "chain.call", rpcResp.Error)
	}

	g.recordSuccess()
	return rpcResp.Result, nil
}

func (g *Gateway) recordSuccess() {
	g.mu.Lock()
	g.healthy = true
	g.mu.Unlock()
}

func (g *Gateway) recordFailure() {
	g.mu.Lock()
	g.healthy = false
	g.mu.Unlock()
}

// Healthy reports the gateway's most recent call outcome.
func (g *Gateway) Healthy() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.healthy
}

// GetAccount reads an account's current on-chain state.
func (g *Gateway) GetAccount(ctx context.Context, pubkey string) (*Account, error) {
	raw, err := g.call(ctx, "getAccountInfo", []interface{}{pubkey})
	if err != nil {
		return nil, err
	}
	var acct Account
	if err := json.Unmarshal(raw, &acct); err != nil {
		return nil, errs.New(errs.TransientNetwork, "chain.GetAccount", fmt.Errorf("decode account: %w", err))
	}
	return &acct, nil
}

// SendTransaction submits a signed transaction, retrying up to maxRetries
// times, then polls for confirmation up to confirmTimeout with a 500ms
// interval, matching the SUBMIT state's retry/confirmation policy.
func (g *Gateway) SendTransaction(ctx context.Context, signedTx []byte, maxRetries int, confirmTimeout time.Duration) (signature string, err error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		raw, sendErr := g.call(ctx, "sendTransaction", []interface{}{signedTx})
		if sendErr == nil {
			if unmarshalErr := json.Unmarshal(raw, &signature); unmarshalErr == nil {
				break
			}
		}
		lastErr = sendErr
		if attempt < maxRetries {
			util.Warnf("chain: send transaction attempt %d failed, retrying: %v", attempt+1, sendErr)
		}
	}
	if signature == "" {
		return "", errs.New(errs.TransientNetwork, "chain.SendTransaction", fmt.Errorf("exhausted %d retries: %w", maxRetries, lastErr))
	}

	confirmed, err := g.confirmTransaction(ctx, signature, confirmTimeout)
	if err != nil {
		return signature, err
	}
	if !confirmed {
		return signature, errs.New(errs.TransientNetwork, "chain.SendTransaction", fmt.Errorf("transaction %s not confirmed within %s", signature, confirmTimeout))
	}
	return signature, nil
}

func (g *Gateway) confirmTransaction(ctx context.Context, signature string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			raw, err := g.call(ctx, "getSignatureStatus", []interface{}{signature})
			if err != nil {
				continue // transient lookup failure, keep polling until deadline
			}
			var status struct {
				Confirmed bool `json:"confirmed"`
			}
			if err := json.Unmarshal(raw, &status); err == nil && status.Confirmed {
				return true, nil
			}
		}
	}
	return false, nil
}

// Subscribe streams proof-account change notifications until ctx is
// cancelled. The concrete transport (websocket account-subscribe, polling,
// etc.) is left to the caller-supplied poll function so tests can drive it
// deterministically; production wiring polls GetAccount on an interval and
// decodes the proof account's challenge, last_hash_at, reward_delta and
// available_bus fields into ProofUpdate.
func (g *Gateway) Subscribe(ctx context.Context, interval time.Duration, poll func(ctx context.Context) (*ProofUpdate, error)) <-chan ProofUpdate {
	out := make(chan ProofUpdate)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				update, err := poll(ctx)
				if err != nil {
					util.Warnf("chain: proof subscription poll failed: %v", err)
					continue
				}
				if update == nil {
					continue
				}
				select {
				case out <- *update:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
