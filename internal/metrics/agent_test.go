package metrics

import (
	"context"
	"testing"

	"github.com/orepool/orepool/internal/config"
)

func TestNewAgent(t *testing.T) {
	agent := NewAgent(config.MetricsConfig{Enabled: true, AppName: "test", LicenseKey: "test_key"})
	if agent == nil {
		t.Fatal("NewAgent returned nil")
	}
	if agent.app != nil {
		t.Error("agent.app should be nil before Start()")
	}
}

func TestStartDisabled(t *testing.T) {
	agent := NewAgent(config.MetricsConfig{Enabled: false})
	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error when disabled: %v", err)
	}
	if agent.app != nil {
		t.Error("agent.app should be nil when disabled")
	}
}

func TestStartNoLicenseKey(t *testing.T) {
	agent := NewAgent(config.MetricsConfig{Enabled: true, AppName: "test"})
	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error with empty license key: %v", err)
	}
	if agent.app != nil {
		t.Error("agent.app should be nil with empty license key")
	}
}

func TestStopNotStarted(t *testing.T) {
	agent := NewAgent(config.MetricsConfig{Enabled: false})
	agent.Stop()
}

func TestIsEnabledNotStarted(t *testing.T) {
	agent := NewAgent(config.MetricsConfig{Enabled: false})
	if agent.IsEnabled() {
		t.Error("IsEnabled() should return false when not started")
	}
}

func TestStartTransactionNotStarted(t *testing.T) {
	agent := NewAgent(config.MetricsConfig{Enabled: false})
	if txn := agent.StartTransaction("test"); txn != nil {
		t.Error("StartTransaction() should return nil when not started")
	}
}

func TestNoticeErrorNilTransaction(t *testing.T) {
	agent := NewAgent(config.MetricsConfig{Enabled: false})
	agent.NoticeError(nil, nil)
}

func TestNewContextNilTransaction(t *testing.T) {
	agent := NewAgent(config.MetricsConfig{Enabled: false})
	ctx := context.Background()
	if result := agent.NewContext(ctx, nil); result != ctx {
		t.Error("NewContext should return original context when txn is nil")
	}
}

func TestFromContextEmpty(t *testing.T) {
	agent := NewAgent(config.MetricsConfig{Enabled: false})
	if txn := agent.FromContext(context.Background()); txn != nil {
		t.Error("FromContext should return nil for empty context")
	}
}

func TestRecordMethodsNoopWhenNotStarted(t *testing.T) {
	agent := NewAgent(config.MetricsConfig{Enabled: false})

	// None of these should panic with no connected *newrelic.Application.
	agent.RecordSubmission("addr-1", 12, true)
	agent.RecordSubmission("addr-1", 12, false)
	agent.RecordSettle(1, 12, 1000, 3)
	agent.RecordClaimConfirmed("deadbeef", 500, "sig-1")
	agent.RecordWorkerConnected("addr-1", "1.2.3.4")
	agent.RecordWorkerDisconnected("addr-1")
	agent.UpdatePoolMetrics(5, 42)
}

func TestConcurrentAccess(t *testing.T) {
	agent := NewAgent(config.MetricsConfig{Enabled: false})
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			agent.IsEnabled()
			agent.StartTransaction("test")
			agent.RecordSubmission("addr", 8, true)
			agent.UpdatePoolMetrics(1, 1)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
