package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/orepool/orepool/internal/store"
	"github.com/orepool/orepool/internal/util"
)

// DefaultPriorityFee is used whenever an oracle call fails or returns
// nothing usable.
const DefaultPriorityFee = 10_000

// FeeStrategy selects which oracle's response shape to parse, chosen from
// the dynamic-fee RPC URL's host, exactly as the original pool does.
type FeeStrategy int

const (
	FeeStrategyLocal FeeStrategy = iota
	FeeStrategyHelius
	FeeStrategyTriton
	FeeStrategyAlchemy
	FeeStrategyQuiknode
)

// SelectStrategy inspects a dynamic-fee RPC URL's hostname and picks the
// oracle whose response shape it expects.
func SelectStrategy(rpcURL string) (FeeStrategy, error) {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return FeeStrategyLocal, fmt.Errorf("chain: parse dynamic fee url: %w", err)
	}
	host := u.Hostname()
	switch {
	case strings.Contains(host, "helius-rpc.com"):
		return FeeStrategyHelius, nil
	case strings.Contains(host, "alchemy.com"):
		return FeeStrategyAlchemy, nil
	case strings.Contains(host, "quiknode.pro"):
		return FeeStrategyQuiknode, nil
	case strings.Contains(host, "rpcpool.com"):
		return FeeStrategyTriton, nil
	default:
		return FeeStrategyLocal, nil
	}
}

// FeeOracle estimates a priority fee (in micro-lamports per compute unit,
// or the gateway's native equivalent), clamped to [floor, cap] and scaled
// up when the epoch's measured difficulty reaches or exceeds a configured
// threshold.
type FeeOracle struct {
	strategy    FeeStrategy
	dynamicURL  string
	accountKeys []string
	cache       *store.Cache
	httpClient  *http.Client

	floor uint64
	cap   uint64

	extraFeeDifficulty uint32
	extraFeePercent    uint64
}

// FeeOracleConfig configures a FeeOracle.
type FeeOracleConfig struct {
	DynamicFeeURL      string
	AccountKeys        []string
	Floor              uint64
	Cap                uint64
	ExtraFeeDifficulty uint32
	ExtraFeePercent    uint64
}

// NewFeeOracle builds a FeeOracle. cache may be nil, in which case the
// local rolling-percentile strategy always falls back to DefaultPriorityFee.
func NewFeeOracle(cfg FeeOracleConfig, cache *store.Cache) (*FeeOracle, error) {
	strategy := FeeStrategyLocal
	if cfg.DynamicFeeURL != "" {
		s, err := SelectStrategy(cfg.DynamicFeeURL)
		if err != nil {
			return nil, err
		}
		strategy = s
	}
	return &FeeOracle{
		strategy:           strategy,
		dynamicURL:         cfg.DynamicFeeURL,
		accountKeys:        cfg.AccountKeys,
		cache:              cache,
		httpClient:         &http.Client{Timeout: 5 * time.Second},
		floor:              cfg.Floor,
		cap:                cfg.Cap,
		extraFeeDifficulty: cfg.ExtraFeeDifficulty,
		extraFeePercent:    cfg.ExtraFeePercent,
	}, nil
}

// Estimate returns the priority fee to attach to the upcoming SUBMIT
// transaction, clamped to [floor, cap] and scaled if measuredDifficulty
// crosses extraFeeDifficulty, as in spec.md §4.4 "Dynamic fee".
func (f *FeeOracle) Estimate(ctx context.Context, measuredDifficulty uint32) uint64 {
	fee := f.rawEstimate(ctx)
	f.recordSample(fee)

	if f.extraFeeDifficulty > 0 && measuredDifficulty >= f.extraFeeDifficulty {
		fee = fee * (100 + f.extraFeePercent) / 100
	}
	return f.clamp(fee)
}

// recordSample feeds every fee this oracle actually produces — whether from
// a remote oracle or the local fallback itself — into the rolling-percentile
// window, so the local strategy has real history to percentile over even
// when a remote strategy is configured, and keeps building while it is.
// Fire-and-forget: a cache hiccup here must never slow down SUBMIT.
func (f *FeeOracle) recordSample(fee uint64) {
	if f.cache == nil {
		return
	}
	go func() {
		if err := f.cache.RecordFeeSample(context.Background(), fee); err != nil {
			util.Warnf("chain: failed to record fee sample: %v", err)
		}
	}()
}

func (f *FeeOracle) clamp(fee uint64) uint64 {
	if f.floor > 0 && fee < f.floor {
		fee = f.floor
	}
	if f.cap > 0 && fee > f.cap {
		fee = f.cap
	}
	return fee
}

func (f *FeeOracle) rawEstimate(ctx context.Context) uint64 {
	if f.strategy == FeeStrategyLocal {
		return f.localEstimate(ctx)
	}

	body, method := f.requestBody()
	raw, err := f.postJSON(ctx, f.dynamicURL, body)
	if err != nil {
		util.Warnf("chain: dynamic fee request (%s) failed, using default: %v", method, err)
		return DefaultPriorityFee
	}

	fee, err := f.parseResponse(raw)
	if err != nil {
		util.Warnf("chain: dynamic fee parse (%s) failed, using default: %v", method, err)
		return DefaultPriorityFee
	}
	return fee
}

func (f *FeeOracle) requestBody() (body map[string]interface{}, method string) {
	switch f.strategy {
	case FeeStrategyHelius:
		return map[string]interface{}{
			"jsonrpc": "2.0", "id": "priority-fee-estimate", "method": "getPriorityFeeEstimate",
			"params": []interface{}{map[string]interface{}{
				"accountKeys": f.accountKeys,
				"options":     map[string]interface{}{"recommended": true},
			}},
		}, "getPriorityFeeEstimate"
	case FeeStrategyAlchemy:
		return map[string]interface{}{
			"jsonrpc": "2.0", "id": "priority-fee-estimate", "method": "getRecentPrioritizationFees",
			"params": []interface{}{f.accountKeys},
		}, "getRecentPrioritizationFees"
	case FeeStrategyQuiknode:
		return map[string]interface{}{
			"jsonrpc": "2.0", "id": "1", "method": "qn_estimatePriorityFees",
			"params": map[string]interface{}{"account": firstOrEmpty(f.accountKeys), "last_n_blocks": 100},
		}, "qn_estimatePriorityFees"
	case FeeStrategyTriton:
		return map[string]interface{}{
			"jsonrpc": "2.0", "id": "priority-fee-estimate", "method": "getRecentPrioritizationFees",
			"params": []interface{}{f.accountKeys, map[string]interface{}{"percentile": 5000}},
		}, "getRecentPrioritizationFees"
	default:
		return nil, "local"
	}
}

func (f *FeeOracle) postJSON(ctx context.Context, url string, body map[string]interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal fee request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build fee request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send fee request: %w", err)
	}
	defer resp.Body.Close()

	var out json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode fee response: %w", err)
	}
	return out, nil
}

func (f *FeeOracle) parseResponse(raw json.RawMessage) (uint64, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return 0, fmt.Errorf("decode envelope: %w", err)
	}

	switch f.strategy {
	case FeeStrategyHelius:
		var result struct {
			PriorityFeeEstimate float64 `json:"priorityFeeEstimate"`
		}
		if err := json.Unmarshal(envelope.Result, &result); err != nil {
			return 0, err
		}
		return uint64(result.PriorityFeeEstimate), nil

	case FeeStrategyQuiknode:
		var result struct {
			PerComputeUnit struct {
				Medium float64 `json:"medium"`
			} `json:"per_compute_unit"`
		}
		if err := json.Unmarshal(envelope.Result, &result); err != nil {
			return 0, err
		}
		return uint64(result.PerComputeUnit.Medium), nil

	case FeeStrategyAlchemy:
		var entries []struct {
			PrioritizationFee uint64 `json:"prioritizationFee"`
		}
		if err := json.Unmarshal(envelope.Result, &entries); err != nil {
			return 0, err
		}
		if len(entries) == 0 {
			return 0, fmt.Errorf("empty prioritization fee list")
		}
		var sum uint64
		for _, e := range entries {
			sum += e.PrioritizationFee
		}
		avg := float64(sum) / float64(len(entries))
		return uint64(avg*1.2 + 0.999999), nil // ceil-ish, then +20%

	case FeeStrategyTriton:
		var entries []struct {
			Slot              uint64 `json:"slot"`
			PrioritizationFee uint64 `json:"prioritizationFee"`
		}
		if err := json.Unmarshal(envelope.Result, &entries); err != nil {
			return 0, err
		}
		return estimateRecentAverage(entries, 20), nil

	default:
		return 0, fmt.Errorf("no remote parser for local strategy")
	}
}

func estimateRecentAverage(entries []struct {
	Slot              uint64 `json:"slot"`
	PrioritizationFee uint64 `json:"prioritizationFee"`
}, window int) uint64 {
	if len(entries) == 0 {
		return 0
	}
	start := 0
	if len(entries) > window {
		start = len(entries) - window
	}
	recent := entries[start:]
	var sum uint64
	for _, e := range recent {
		sum += e.PrioritizationFee
	}
	return sum / uint64(len(recent))
}

// localEstimate is the rolling-percentile fallback: 450 cached fee samples
// chunked 150/150/150, 75th percentile of the most recent chunk, matching
// original_source/server/src/dynamic_fee.rs's local_dynamic_fee.
func (f *FeeOracle) localEstimate(ctx context.Context) uint64 {
	if f.cache == nil {
		return DefaultPriorityFee
	}
	samples, err := f.cache.FeeSamples(ctx)
	if err != nil || len(samples) == 0 {
		return DefaultPriorityFee
	}

	const chunkSize = 150
	chunk := samples
	if len(samples) > chunkSize {
		chunk = samples[len(samples)-chunkSize:]
	}

	sorted := append([]uint64(nil), chunk...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(75) / 100.0 * float64(len(sorted)))
	if idx > 0 {
		idx--
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
