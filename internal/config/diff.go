package config

import (
	"reflect"
	"strings"

	"ceremonybot/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log-safe fields describing the new values. The bot token is never
// included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram.token")
	}
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.AllowedUserIDs, newCfg.Telegram.AllowedUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Int("telegram.allowed_users", len(newCfg.Telegram.AllowedUserIDs)))
	}
	if oldCfg.Bot != newCfg.Bot {
		changed = append(changed, "bot")
		attrs = append(attrs, logx.Int("bot.workers", newCfg.Bot.Workers))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}
	if oldCfg.Remote != newCfg.Remote {
		changed = append(changed, "remote")
		attrs = append(attrs,
			logx.String("remote.base_url", newCfg.Remote.BaseURL),
			logx.Int("remote.max_attempts", newCfg.Remote.MaxAttempts),
		)
	}
	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		attrs = append(attrs, logx.String("monitor.interval", newCfg.Monitor.Interval))
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs, logx.Bool("health.enabled", newCfg.Health.Enabled), logx.String("health.addr", newCfg.Health.Addr))
	}
	return changed, attrs
}

// RequiresRestart reports changes that only take effect on restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "telegram.token", "storage", "bot":
			out = append(out, c)
		}
	}
	return out
}
