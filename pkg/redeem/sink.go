package redeem

import (
	"context"
	"log/slog"

	"github.com/tendant/keyclaim/pkg/domain"
)

// Sink receives the events of a pass. Implementations must not block for
// long; the pass waits for them.
type Sink interface {
	Classified(ctx context.Context, account string, c domain.Classification)
	Revealed(ctx context.Context, account string, o domain.RedemptionOutcome)
	PassCompleted(ctx context.Context, account string, r PassResult)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Classified(ctx context.Context, account string, c domain.Classification) {
	if c.Verdict == domain.VerdictTerminal {
		return
	}
	s.Logger.DebugContext(ctx, "key classified",
		"account", account,
		"key", c.Record.Key(),
		"name", c.Record.DisplayName,
		"verdict", c.Verdict,
		"gift", c.AsGift,
		"withheld", c.Withheld)
}

func (s LogSink) Revealed(ctx context.Context, account string, o domain.RedemptionOutcome) {
	if !o.Succeeded {
		s.Logger.WarnContext(ctx, "key reveal failed",
			"account", account,
			"key", o.Record.Key(),
			"name", o.Record.DisplayName,
			"reason", o.FailureReason)
		return
	}
	msg := "key revealed"
	if o.Withheld {
		msg = "key revealed and withheld"
	}
	s.Logger.InfoContext(ctx, msg,
		"account", account,
		"key", o.Record.Key(),
		"name", o.Record.DisplayName,
		"app_id", o.Record.AppID,
		"gift", o.AsGift)
}

func (s LogSink) PassCompleted(ctx context.Context, account string, r PassResult) {
	s.Logger.InfoContext(ctx, "pass completed",
		"account", account,
		"pass_id", r.ID,
		"records", len(r.Classifications),
		"revealed", r.Revealed(),
		"pending", r.Pending,
		"duration", r.Finished.Sub(r.Started))
}

// MultiSink fans events out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Classified(ctx context.Context, account string, c domain.Classification) {
	for _, s := range m {
		s.Classified(ctx, account, c)
	}
}

func (m MultiSink) Revealed(ctx context.Context, account string, o domain.RedemptionOutcome) {
	for _, s := range m {
		s.Revealed(ctx, account, o)
	}
}

func (m MultiSink) PassCompleted(ctx context.Context, account string, r PassResult) {
	for _, s := range m {
		s.PassCompleted(ctx, account, r)
	}
}
