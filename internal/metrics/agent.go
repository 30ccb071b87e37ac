// Package metrics wraps New Relic APM instrumentation for the pool's
// epoch/submission/claim hot paths. Adapted from the teacher's
// internal/newrelic/newrelic.go: same disabled-by-default, nil-safe Agent
// shape, re-targeted at this domain's events instead of TOS-Pool's
// share/block/payment events.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/orepool/orepool/internal/config"
	"github.com/orepool/orepool/internal/util"
)

// Agent wraps a New Relic Application. The zero value (and any Agent whose
// Start was never called or declined to connect) is safe to call: every
// method no-ops against a nil *newrelic.Application.
type Agent struct {
	cfg config.MetricsConfig

	mu  sync.RWMutex
	app *newrelic.Application
}

// NewAgent builds an Agent from config; Start must be called to connect.
func NewAgent(cfg config.MetricsConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start connects to New Relic if enabled and configured with a license key.
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("metrics: APM disabled")
		return nil
	}
	if a.cfg.LicenseKey == "" {
		util.Warn("metrics: license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("metrics: connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("metrics: APM enabled for app %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the APM connection.
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()
	if app != nil {
		util.Info("metrics: shutting down APM agent")
		app.Shutdown(10 * time.Second)
	}
}

// IsEnabled reports whether the agent is connected.
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a New Relic transaction, or returns nil if the
// agent isn't connected.
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()
	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// NoticeError records err against txn, tolerating a nil txn or err.
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext attaches txn to ctx, tolerating a nil txn.
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext retrieves a transaction previously attached with NewContext.
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

func (a *Agent) recordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()
	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

func (a *Agent) recordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()
	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// RecordSubmission records one ingress pipeline verdict (spec.md §4.5).
func (a *Agent) RecordSubmission(addr string, difficulty uint32, accepted bool) {
	status := "accepted"
	if !accepted {
		status = "rejected"
	}
	a.recordCustomEvent("Submission", map[string]interface{}{
		"addr": addr, "difficulty": difficulty, "status": status,
	})
}

// RecordSettle records one epoch SETTLE transition (spec.md §4.4/§4.6).
func (a *Agent) RecordSettle(challengeID int64, difficulty uint32, rewardsEarned uint64, numContributors int) {
	a.recordCustomEvent("EpochSettle", map[string]interface{}{
		"challenge_id": challengeID, "difficulty": difficulty,
		"rewards_earned_grains": rewardsEarned, "num_contributors": numContributors,
	})
}

// RecordClaimConfirmed records one confirmed claim transaction.
func (a *Agent) RecordClaimConfirmed(pubkeyHex string, amountGrains uint64, signature string) {
	a.recordCustomEvent("ClaimConfirmed", map[string]interface{}{
		"pubkey": pubkeyHex, "amount_grains": amountGrains, "signature": signature,
	})
}

// RecordWorkerConnected records a worker registering with the connection manager.
func (a *Agent) RecordWorkerConnected(address, ip string) {
	a.recordCustomEvent("WorkerConnected", map[string]interface{}{"address": address, "ip": ip})
}

// RecordWorkerDisconnected records a worker eviction or disconnect.
func (a *Agent) RecordWorkerDisconnected(address string) {
	a.recordCustomEvent("WorkerDisconnected", map[string]interface{}{"address": address})
}

// UpdatePoolMetrics records a periodic snapshot of pool-wide gauges.
func (a *Agent) UpdatePoolMetrics(connectedWorkers int, contributionCount int64) {
	a.recordCustomMetric("Custom/Pool/ConnectedWorkers", float64(connectedWorkers))
	a.recordCustomMetric("Custom/Pool/ContributionCount", float64(contributionCount))
}
