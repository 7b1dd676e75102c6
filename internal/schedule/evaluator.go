// Package schedule evaluates cron expressions.
package schedule

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression wraps every parse or evaluation failure.
var ErrInvalidExpression = errors.New("invalid schedule expression")

// Evaluator computes the next fire time of a schedule expression.
type Evaluator interface {
	// Next returns the first instant strictly after ref.
	Next(expr string, ref time.Time) (time.Time, error)
	Validate(expr string) error
}

// CronEvaluator accepts standard five-field expressions, an optional
// leading seconds field, and descriptors such as @hourly or @every 30s.
// Parsed schedules are cached by expression.
type CronEvaluator struct {
	parser cron.Parser
	cache  sync.Map // expr -> cron.Schedule
}

func NewCronEvaluator() *CronEvaluator {
	return &CronEvaluator{
		parser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}
}

func (e *CronEvaluator) parse(expr string) (cron.Schedule, error) {
	if cached, ok := e.cache.Load(expr); ok {
		return cached.(cron.Schedule), nil
	}
	sched, err := e.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidExpression, expr, err)
	}
	e.cache.Store(expr, sched)
	return sched, nil
}

func (e *CronEvaluator) Validate(expr string) error {
	_, err := e.parse(expr)
	return err
}

func (e *CronEvaluator) Next(expr string, ref time.Time) (time.Time, error) {
	sched, err := e.parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(ref)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w %q: no future activation", ErrInvalidExpression, expr)
	}
	return next, nil
}
