package scheduler

import (
	"time"

	c "github.com/patrickmn/go-cache"
	cronlib "github.com/robfig/cron/v3"
)

// NextFirer produces the next fire time after t. The cron algorithm
// itself is an external collaborator behind this interface.
type NextFirer interface {
	Next(t time.Time) time.Time
}

type CronParser interface {
	Parse(expression string) (NextFirer, error)
}

// cronParser accepts standard 5-field expressions and descriptors like
// "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// StdCronParser caches parsed schedules by expression; manifests are
// re-evaluated every poll tick and expressions rarely change.
type StdCronParser struct {
	cache *c.Cache
}

var _ CronParser = new(StdCronParser)

func NewCronParser() *StdCronParser {
	return &StdCronParser{
		cache: c.New(c.NoExpiration, 10*time.Minute),
	}
}

func (p *StdCronParser) Parse(expression string) (NextFirer, error) {
	if cached, found := p.cache.Get(expression); found {
		return cached.(cronlib.Schedule), nil
	}
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return nil, err
	}
	p.cache.Set(expression, schedule, c.NoExpiration)
	return schedule, nil
}
