// Package alert defines the Alert model shared by the escalation engine,
// the notification dispatcher, and the ledger.
package alert

import "time"

// Level is the severity of an alert.
type Level string

const (
	LevelCritical Level = "critical"
	LevelWarning  Level = "warning"
	LevelNotice   Level = "notice"
)

// rank orders levels for severity comparisons (higher is worse).
func (l Level) rank() int {
	switch l {
	case LevelCritical:
		return 3
	case LevelWarning:
		return 2
	case LevelNotice:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether l is at least as severe as other.
func (l Level) AtLeast(other Level) bool {
	return l.rank() >= other.rank()
}

// Alert is one escalation event. It opens when triggered and may be
// acknowledged and resolved. The escalation engine exclusively owns
// lifecycle transitions; everything else holds read-only copies.
type Alert struct {
	ID             string     `json:"id"`
	Level          Level      `json:"level"`
	SourceID       string     `json:"source_id,omitempty"`
	Rule           string     `json:"rule"`
	Reason         string     `json:"reason"`
	Value          float64    `json:"value"`
	Threshold      float64    `json:"threshold"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	AutoActions    []string   `json:"auto_actions,omitempty"`
}

// Open reports whether the alert has not yet been resolved.
func (a Alert) Open() bool {
	return a.ResolvedAt == nil
}
