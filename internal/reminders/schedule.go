// Package reminders implements durable timers that re-enter the kernel queue
// as inbound messages when they fire.
package reminders

import (
	"encoding/json"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// ScheduleKind tags the schedule union.
type ScheduleKind string

const (
	KindAt    ScheduleKind = "at"    // one-shot at a fixed moment
	KindEvery ScheduleKind = "every" // fixed period, optionally anchored
	KindCron  ScheduleKind = "cron"  // 5-field cron expression
)

// Schedule is the tagged schedule union stored as schedule_json.
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	AtMs     int64        `json:"atMs,omitempty"`
	EveryMs  int64        `json:"everyMs,omitempty"`
	AnchorMs int64        `json:"anchorMs,omitempty"`
	Expr     string       `json:"expr,omitempty"`
	TZ       string       `json:"tz,omitempty"`
}

// cronParser accepts standard 5-field expressions (minute, hour, dom, month,
// dow). An optional IANA time zone rides in as a CRON_TZ prefix.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Validate checks the schedule's shape without computing anything.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires atMs")
		}
	case KindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires a positive everyMs")
		}
	case KindCron:
		if _, err := parseCron(s.Expr, s.TZ); err != nil {
			return fmt.Errorf("cron schedule: %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// ParseSchedule decodes and validates a stored schedule.
func ParseSchedule(data string) (Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return Schedule{}, fmt.Errorf("decode schedule: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

// Encode serializes the schedule for storage.
func (s Schedule) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode schedule: %w", err)
	}
	return string(data), nil
}

// ComputeNextRun returns the next fire time strictly derived from the
// schedule and the reference moment, or nil when the schedule has no future
// occurrence (a one-shot already past).
//
// at    — the scheduled moment when still ahead of from, else nil.
// every — anchor + ceil((from-anchor)/every)*every, minimum one step past
//         the anchor, never before from. A missing anchor means the Unix
//         epoch, aligning ticks to wall-clock multiples of the period.
// cron  — the expression's next occurrence after from.
func ComputeNextRun(s Schedule, from time.Time) (*time.Time, error) {
	switch s.Kind {
	case KindAt:
		at := time.UnixMilli(s.AtMs).UTC()
		if at.After(from) {
			return &at, nil
		}
		return nil, nil
	case KindEvery:
		every := time.Duration(s.EveryMs) * time.Millisecond
		anchor := time.UnixMilli(s.AnchorMs).UTC()
		steps := int64(0)
		if from.After(anchor) {
			elapsed := from.Sub(anchor)
			steps = int64((elapsed + every - 1) / every)
		}
		if steps < 1 {
			steps = 1
		}
		next := anchor.Add(time.Duration(steps) * every)
		for next.Before(from) {
			next = next.Add(every)
		}
		next = next.UTC()
		return &next, nil
	case KindCron:
		sched, err := parseCron(s.Expr, s.TZ)
		if err != nil {
			return nil, err
		}
		next := sched.Next(from)
		if next.IsZero() {
			return nil, nil
		}
		next = next.UTC()
		return &next, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

func parseCron(expr, tz string) (cronlib.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	if tz != "" {
		expr = "CRON_TZ=" + tz + " " + expr
	}
	return cronParser.Parse(expr)
}
