package app

import (
	"context"
	"errors"
	"time"

	"capital-guard/internal/alerting"
)

// SimulateTrip 构造一次假的安全触发并走完整条告警链路，
// 用于验证 Telegram 配置。
func (a *App) SimulateTrip(ctx context.Context, source, reason string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	c, err := a.buildCore()
	if err != nil {
		return err
	}
	snap := c.vault.Snapshot()

	note := alerting.Notification{
		TrippedAt:      time.Now().UTC(),
		Source:         source,
		Reason:         reason,
		RemainingTotal: snap.RemainingTotal(),
		Channels:       a.Config.Alerting.Channels,
		AdditionalMsg:  "simulated trip, no action taken",
	}
	return notifier.Notify(ctx, note)
}
