// Package notify posts operational warnings to Slack: backend saturation
// (the waterfall reaching queued-default overflow) and keys approaching
// their daily quota. It never influences a dispatch decision.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goslack "github.com/slack-go/slack"
)

// Notifier posts rate-limited ops warnings to a single Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	cooldown time.Duration
}

// New creates a Notifier. If botToken is empty, the notifier is a noop
// (its Warn methods return without posting or logging) — the gateway must
// run without Slack configured.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{
		client:   client,
		channel:  channel,
		logger:   logger,
		lastSent: make(map[string]time.Time),
		cooldown: 5 * time.Minute,
	}
}

// IsEnabled reports whether the notifier has a usable Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// allow reports whether dedupeKey is allowed to fire now, updating its
// last-sent timestamp if so. Collapses repeated warnings about the same
// condition into at most one per cooldown window.
func (n *Notifier) allow(dedupeKey string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if last, ok := n.lastSent[dedupeKey]; ok && time.Since(last) < n.cooldown {
		return false
	}
	n.lastSent[dedupeKey] = time.Now()
	return true
}

// WarnSaturation reports that the waterfall reached the queued-default
// overflow step for sourceID — no backend had spare concurrency.
func (n *Notifier) WarnSaturation(ctx context.Context, sourceID string) {
	if !n.IsEnabled() || !n.allow("saturation:"+sourceID) {
		return
	}
	text := fmt.Sprintf(":rotating_light: all backends saturated, request for `%s` queued on default with no reserved slot", sourceID)
	if _, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false)); err != nil {
		n.logger.Error("posting saturation warning to slack", "error", err)
	}
}

// WarnQuotaNearLimit reports a key's current usage against its daily
// quota. It posts unconditionally (subject to the cooldown); callers
// decide whether to call it, e.g. with ShouldWarnQuota.
func (n *Notifier) WarnQuotaNearLimit(ctx context.Context, tokenSuffix string, current, limit int) {
	dedupeKey := fmt.Sprintf("quota:%s", tokenSuffix)
	if !n.IsEnabled() || !n.allow(dedupeKey) {
		return
	}
	text := fmt.Sprintf(":warning: key ending `%s` at %d/%d daily requests", tokenSuffix, current, limit)
	if _, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false)); err != nil {
		n.logger.Error("posting quota warning to slack", "error", err)
	}
}

// QuotaWarningThreshold is the fraction of a key's daily_limit that
// triggers WarnQuotaNearLimit.
const QuotaWarningThreshold = 0.9

// ShouldWarnQuota reports whether current/limit has crossed the warning
// threshold. limit of zero (unlimited) never warns.
func ShouldWarnQuota(current, limit int) bool {
	if limit <= 0 {
		return false
	}
	return float64(current) >= float64(limit)*QuotaWarningThreshold
}
