// Package clock implements the time-based trigger condition and the
// reminder reaction. It is the only provider with no network calls and
// no credential.
package clock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/weftd/weft/internal/plugin"
)

// Slug is the provider identifier used in rule descriptors.
const Slug = "clock"

// Provider evaluates wall-clock conditions.
type Provider struct {
	logger *slog.Logger
	now    func() time.Time
}

// New creates the clock provider.
func New(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{logger: logger, now: time.Now}
}

// Register adds the clock capabilities to the registry builder.
func (p *Provider) Register(b *plugin.Builder) {
	b.Condition(Slug, "time", "wall clock matches a configured time of day", p.timeCondition)
	b.Action(Slug, "reminder", "write a reminder to the engine log", p.reminderAction)
}

// timeCondition matches when the current time, in the configured
// timezone, falls in the same minute as params["time"] (HH:MM) and the
// optional params["day"] weekday matches. Debouncing guarantees at
// most one fire per minute.
func (p *Provider) timeCondition(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
	at, err := plugin.StringParam(in.Params, "time")
	if err != nil {
		return plugin.EvalResult{}, err
	}
	if _, err := time.Parse("15:04", at); err != nil {
		return plugin.EvalResult{}, &plugin.ConfigError{Param: "time", Reason: "must be HH:MM"}
	}

	day, err := plugin.OptionalStringParam(in.Params, "day", "")
	if err != nil {
		return plugin.EvalResult{}, err
	}

	tz, err := plugin.OptionalStringParam(in.Params, "timezone", "")
	if err != nil {
		return plugin.EvalResult{}, err
	}
	loc := time.Local
	if tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return plugin.EvalResult{}, &plugin.ConfigError{Param: "timezone", Reason: fmt.Sprintf("unknown IANA zone %q", tz)}
		}
		loc = parsed
	}

	now := p.now().In(loc)
	if now.Format("15:04") != at {
		return plugin.EvalResult{}, nil
	}
	if day != "" && !strings.EqualFold(now.Weekday().String(), day) {
		return plugin.EvalResult{}, nil
	}

	return plugin.EvalResult{
		Matched: true,
		Evidence: map[string]any{
			"fired_at": now.Format(time.RFC3339),
			"weekday":  now.Weekday().String(),
		},
	}, nil
}

// reminderAction logs the configured message. Deliberately humble: it
// exists so a trigger can be exercised without any outbound provider.
func (p *Provider) reminderAction(ctx context.Context, in plugin.ExecInput) error {
	msg, err := plugin.StringParam(in.Params, "message")
	if err != nil {
		return err
	}
	p.logger.Info("reminder",
		"user", in.UserID,
		"message", msg,
	)
	return nil
}
