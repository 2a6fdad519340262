package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// EventPurger is the retention side of the event store.
type EventPurger interface {
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cleaner purges terminal (delivered or failed) events older than the
// retention window. Pending events are left alone regardless of age: a
// stuck pending event is an operational signal, not cleanup fodder.
type Cleaner struct {
	events    EventPurger
	retention time.Duration
}

func NewCleaner(events EventPurger, retention time.Duration) *Cleaner {
	return &Cleaner{events: events, retention: retention}
}

func (c *Cleaner) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-c.retention)
	n, err := c.events.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("cleanup failed", "error", err)
		return err
	}
	slog.Info("cleanup complete", "purged", n, "cutoff", cutoff)
	return nil
}
