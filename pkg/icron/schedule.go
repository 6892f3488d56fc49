// Package icron parses cron expressions and reports their trigger times.
package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts five-field expressions with an optional leading seconds
// field, and descriptors such as "@every 5m" or "@hourly".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type TriggerInfo struct {
	Expression string    `json:"expression"`
	Next       time.Time `json:"next"`
	Last       time.Time `json:"last,omitempty"`

	TimeSinceLast time.Duration `json:"time_since_last,omitempty"`
	TimeUntilNext time.Duration `json:"time_until_next"`
}

// Parse validates cronExpr.
func Parse(cronExpr string) (cron.Schedule, error) {
	schedule, err := Parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// GetTriggerInfo reports when cronExpr fires next after refTime. last is the
// time of the previous run, zero if none happened yet.
func GetTriggerInfo(cronExpr string, refTime, last time.Time) (*TriggerInfo, error) {
	schedule, err := Parse(cronExpr)
	if err != nil {
		return nil, err
	}

	next := schedule.Next(refTime)
	info := &TriggerInfo{
		Expression:    cronExpr,
		Next:          next,
		Last:          last,
		TimeUntilNext: next.Sub(refTime),
	}
	if !last.IsZero() {
		info.TimeSinceLast = refTime.Sub(last)
	}
	return info, nil
}
