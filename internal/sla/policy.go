// Package sla computes assignment deadlines and escalates breaches.
package sla

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

// Policy maps each priority tier to its resolution window.
type Policy struct {
	Urgent time.Duration `yaml:"urgent"`
	High   time.Duration `yaml:"high"`
	Normal time.Duration `yaml:"normal"`
	Low    time.Duration `yaml:"low"`
}

// DefaultPolicy: urgent 4h, high 24h, normal 48h, low 5d.
func DefaultPolicy() Policy {
	return Policy{
		Urgent: 4 * time.Hour,
		High:   24 * time.Hour,
		Normal: 48 * time.Hour,
		Low:    120 * time.Hour,
	}
}

// Window returns the resolution window for p. Unknown priorities get the
// normal window.
func (pol Policy) Window(p types.Priority) time.Duration {
	switch p {
	case types.PriorityUrgent:
		return pol.Urgent
	case types.PriorityHigh:
		return pol.High
	case types.PriorityLow:
		return pol.Low
	default:
		return pol.Normal
	}
}

// Deadline returns from + Window(p).
func (pol Policy) Deadline(p types.Priority, from time.Time) time.Time {
	return from.Add(pol.Window(p))
}

// Validate rejects non-positive windows.
func (pol Policy) Validate() error {
	for _, p := range types.Priorities {
		if pol.Window(p) <= 0 {
			return fmt.Errorf("sla: window for %s must be positive", p)
		}
	}
	return nil
}
