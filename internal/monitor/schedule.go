package monitor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultInterval = 5 * time.Minute

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule accepts a Go duration ("5m"), "@every 5m", a descriptor such
// as "@hourly", or a 5 or 6 field cron expression. Empty means DefaultInterval.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return fixedDelay(DefaultInterval), nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, errors.New("monitor.interval: must be > 0")
		}
		return fixedDelay(d), nil
	}
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("monitor.interval: %w", err)
	}
	return sched, nil
}

// fixedDelay keeps sub-second precision, which cron.Every rounds away.
type fixedDelay time.Duration

func (d fixedDelay) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// Every returns a schedule that fires d after each cycle.
func Every(d time.Duration) cron.Schedule { return fixedDelay(d) }
