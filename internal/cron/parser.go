// Package cron parses the maintenance schedules (e.g. PRUNE_SCHEDULE).
package cron

import (
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/robfig/cron/v3"
)

type Parser struct {
	parser cron.Parser
}

// NewParser accepts standard five-field expressions and descriptors such
// as @daily or @every 6h.
func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	if timezone == "" {
		timezone = "UTC"
	}

	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "parse cron expression").
			WithMetadata(map[string]any{"expression": expression})
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "load timezone").
			WithMetadata(map[string]any{"timezone": timezone})
	}

	return &schedule{sched: sched, loc: loc}, nil
}

type Schedule interface {
	Next(after time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}
