// Package notify delivers newly detected continuous flow events to operators.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/HatiCode/flowwatch/pkg/flow"
)

// Notifier is told about events that were not part of any earlier report.
type Notifier interface {
	Notify(ctx context.Context, meter string, events []flow.Event) error
}

// LogNotifier writes one structured log line per event.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, meter string, events []flow.Event) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, e := range events {
		logger.WarnContext(ctx, "continuous flow detected",
			"meter", meter,
			"kind", e.Kind,
			"start", e.Start,
			"end", e.End,
		)
	}
	return nil
}

// Multi fans events out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, meter string, events []flow.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, meter, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
