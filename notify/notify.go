package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Severity grades a notification. It mirrors rule severity so the channel
// downstream can route criticals differently from chatter.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Notification is the outbound alert payload. Action names the enforcement
// action that produced it ("close_position", "flatten_account", ...) or is
// empty for alert-only rules.
type Notification struct {
	AccountID string    `json:"account_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Reason    string    `json:"reason"`
	Action    string    `json:"action,omitempty"`
	Time      time.Time `json:"time"`
}

// Notifier is the outbound notification channel. Implementations must be
// safe for concurrent use; the enforcement engine calls Notify from
// concurrently executing actions.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. It is the default
// channel when no external one is configured, and a convenient test double.
type LogNotifier struct {
	Log zerolog.Logger
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.Log.Info().
		Str("account", n.AccountID).
		Str("severity", string(n.Severity)).
		Str("title", n.Title).
		Str("reason", n.Reason).
		Str("action", n.Action).
		Msg(n.Message)
	return nil
}
