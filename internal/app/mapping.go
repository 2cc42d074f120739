package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"ceremonybot/internal/bot"
	"ceremonybot/internal/config"
	"ceremonybot/internal/health"
	"ceremonybot/internal/monitor"
	"ceremonybot/internal/notifier"
	"ceremonybot/internal/remote"
	"ceremonybot/internal/storage"
	"ceremonybot/pkg/logx"
)

const (
	defaultPollTimeout    = 10 * time.Second
	defaultNotifyRetryMax = 3
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ChatID:     cfg.Logging.Chat.ChatID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapPollTimeout(cfg *config.Config) (time.Duration, error) {
	d, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		d = defaultPollTimeout
	}
	return d, nil
}

// mapRemoteConfig keeps an explicit "0s" retry delay; only an empty field
// falls back to the default.
func mapRemoteConfig(cfg *config.Config) (remote.Config, error) {
	r := cfg.Remote
	out := remote.Config{
		BaseURL:      r.BaseURL,
		PingPath:     r.PingPath,
		PositionPath: r.PositionPath,
		MaxAttempts:  r.MaxAttempts,
		RetryDelay:   remote.DefaultRetryDelay,
		RatePerSec:   r.RatePerSec,
		UserAgent:    r.UserAgent,
		HTTP2:        r.HTTP2,
	}
	if r.RatePerSec < 0 {
		return remote.Config{}, errors.New("remote.rate_per_sec: must be >= 0")
	}
	if strings.TrimSpace(r.RetryDelay) != "" {
		d, err := config.ParseDurationField("remote.retry_delay", r.RetryDelay)
		if err != nil {
			return remote.Config{}, err
		}
		out.RetryDelay = d
	}
	d, err := config.ParseDurationField("remote.request_timeout", r.RequestTimeout)
	if err != nil {
		return remote.Config{}, err
	}
	out.RequestTimeout = d
	return out.WithDefaults(), nil
}

func mapMonitorSettings(cfg *config.Config) (monitor.Settings, error) {
	sched, err := monitor.ParseSchedule(cfg.Monitor.Interval)
	if err != nil {
		return monitor.Settings{}, err
	}
	stop, err := config.ParseDurationField("monitor.stop_timeout", cfg.Monitor.StopTimeout)
	if err != nil {
		return monitor.Settings{}, err
	}
	return monitor.Settings{
		Schedule:    sched,
		Concurrent:  cfg.Monitor.Concurrent(),
		StopTimeout: stop,
	}, nil
}

// mapNotifierConfig treats an omitted section as enabled with defaults and
// an omitted retry_max as 3.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true, RetryMax: defaultNotifyRetryMax}, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
		return notifier.Config{}, errors.New("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	retries := n.RetryMax
	if retries == 0 {
		retries = defaultNotifyRetryMax
	}
	return notifier.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      retries,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	s := cfg.Storage
	if s == nil {
		return storage.Config{Driver: "none"}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: s.Driver, Path: s.Path, BusyTimeout: busy}, nil
}

func mapHealthConfig(cfg *config.Config) health.Config {
	return health.Config{
		Enabled: cfg.Health.Enabled,
		Addr:    cfg.Health.Addr,
		Body:    cfg.Health.Body,
	}
}

func mapBotConfig(cfg *config.Config) (bot.Config, error) {
	b := cfg.Bot
	if b.Workers < 0 || b.QueueSize < 0 || b.PositionConcurrency < 0 {
		return bot.Config{}, errors.New("bot: workers, queue_size and position_concurrency must be >= 0")
	}
	timeout, err := config.ParseDurationField("bot.request_timeout", b.RequestTimeout)
	if err != nil {
		return bot.Config{}, err
	}
	return bot.Config{
		Workers:             b.Workers,
		QueueSize:           b.QueueSize,
		RequestTimeout:      timeout,
		PositionConcurrency: b.PositionConcurrency,
		AllowedUserIDs:      append([]int64(nil), cfg.Telegram.AllowedUserIDs...),
		Interval:            cfg.Monitor.Interval,
	}, nil
}

// components holds the mapped settings New builds from.
type components struct {
	pollTimeout time.Duration
	storage     storage.Config
	remote      remote.Config
	notifier    notifier.Config
	monitor     monitor.Settings
	health      health.Config
	bot         bot.Config
}

// mapComponents maps every section, stopping at the first error.
func mapComponents(cfg *config.Config) (components, error) {
	var (
		c   components
		err error
	)
	if cfg == nil {
		return c, errors.New("config is nil")
	}
	if c.pollTimeout, err = mapPollTimeout(cfg); err != nil {
		return c, err
	}
	if c.storage, err = mapStorageConfig(cfg); err != nil {
		return c, err
	}
	if c.remote, err = mapRemoteConfig(cfg); err != nil {
		return c, err
	}
	if c.notifier, err = mapNotifierConfig(cfg); err != nil {
		return c, err
	}
	if c.monitor, err = mapMonitorSettings(cfg); err != nil {
		return c, err
	}
	if c.bot, err = mapBotConfig(cfg); err != nil {
		return c, err
	}
	c.health = mapHealthConfig(cfg)
	return c, nil
}

// validate runs every mapper so a reload is rejected before anything is
// applied.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := mapPollTimeout(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapRemoteConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapMonitorSettings(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapBotConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
