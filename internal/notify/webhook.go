// Package notify fans epoch-settle events out to operator-configured
// Slack/Discord webhooks. Adapted from the teacher's
// internal/notify/webhook.go (disabled-by-default, fire-and-forget goroutine
// per configured target, bounded retry); the message shape itself follows
// original_source/hashpoo/src/notification.rs's RewardsMessage tuple.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/orepool/orepool/internal/util"
)

// Config holds webhook settings.
type Config struct {
	DiscordURL string `mapstructure:"discord_url"`
	SlackURL   string `mapstructure:"slack_url"`
	Enabled    bool   `mapstructure:"enabled"`
}

// Retry policy, matching original_source/hashpoo/src/notification.rs's
// fixed-delay (not exponential) retry loop.
const (
	MaxRetries = 3
	RetryDelay = 1 * time.Second
)

// SettlementEvent is the tuple notified once per SETTLE transition:
// (difficulty, rewards, balance, num_clients, num_contributors), matching
// the original system's RewardsMessage::Rewards.
type SettlementEvent struct {
	Difficulty       uint32
	RewardsEarned    uint64 // grains
	PoolBalance      uint64 // grains, pool.TotalRewards-pool.ClaimedRewards after settle
	NumClients       int    // connected workers at settle time
	NumContributors  int    // workers with an accepted contribution this epoch
}

// Notifier sends SettlementEvent notifications to configured webhooks.
type Notifier struct {
	cfg    Config
	client *http.Client
}

// NewNotifier builds a Notifier. A disabled or unconfigured Notifier's
// NotifySettlement calls are no-ops.
func NewNotifier(cfg Config) *Notifier {
	return &Notifier{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

// NotifySettlement fires the configured webhooks in their own goroutines;
// callers on the epoch coordinator's hot path never block on webhook
// delivery.
func (n *Notifier) NotifySettlement(event SettlementEvent) {
	if !n.cfg.Enabled {
		return
	}
	if n.cfg.DiscordURL != "" {
		go n.sendDiscord(event)
	}
	if n.cfg.SlackURL != "" {
		go n.sendSlack(event)
	}
}

func settlementText(event SettlementEvent) string {
	return fmt.Sprintf(
		"D: %d\nR: %d\nB: %d\nC: %d   M: %d",
		event.Difficulty, event.RewardsEarned, event.PoolBalance, event.NumClients, event.NumContributors,
	)
}

type discordMessage struct {
	Content string `json:"content"`
}

func (n *Notifier) sendDiscord(event SettlementEvent) {
	payload, err := json.Marshal(discordMessage{Content: settlementText(event)})
	if err != nil {
		util.Errorf("notify: marshal discord payload: %v", err)
		return
	}
	n.postWithRetry(n.cfg.DiscordURL, payload, "discord")
}

type slackMessage struct {
	Text string `json:"text"`
}

func (n *Notifier) sendSlack(event SettlementEvent) {
	payload, err := json.Marshal(slackMessage{Text: settlementText(event)})
	if err != nil {
		util.Errorf("notify: marshal slack payload: %v", err)
		return
	}
	n.postWithRetry(n.cfg.SlackURL, payload, "slack")
}

func (n *Notifier) postWithRetry(url string, payload []byte, target string) {
	for attempt := 0; ; attempt++ {
		err := n.post(url, payload)
		if err == nil {
			return
		}
		util.Warnf("notify: %s webhook failed (attempt %d): %v", target, attempt+1, err)
		if attempt >= MaxRetries {
			util.Warnf("notify: giving up on %s webhook after %d attempts", target, attempt+1)
			return
		}
		time.Sleep(RetryDelay)
	}
}

func (n *Notifier) post(url string, payload []byte) error {
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
