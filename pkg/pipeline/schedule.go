package pipeline

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

type Schedule string

var scheduleAliases = map[string]string{
	"":        "0 0 * * *",
	"daily":   "0 0 * * *",
	"hourly":  "0 * * * *",
	"weekly":  "0 0 * * 1",
	"monthly": "0 0 1 * *",
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (s Schedule) Parse() (cron.Schedule, error) {
	expr := strings.TrimSpace(string(s))
	if alias, ok := scheduleAliases[strings.ToLower(expr)]; ok {
		expr = alias
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid schedule '%s'", s)
	}

	return sched, nil
}

// LastInterval returns the most recent complete schedule interval ending at or before now.
func (s Schedule) LastInterval(now time.Time) (time.Time, time.Time, error) {
	sched, err := s.Parse()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	for lookback := 48 * time.Hour; lookback <= 800*24*time.Hour; lookback *= 2 {
		var prev, last time.Time
		for t := sched.Next(now.Add(-lookback)); !t.IsZero() && !t.After(now); t = sched.Next(t) {
			prev, last = last, t
		}

		if !prev.IsZero() {
			return prev, last, nil
		}
	}

	return time.Time{}, time.Time{}, errors.Errorf("schedule '%s' has no complete interval before %s", s, now.Format(time.RFC3339))
}
