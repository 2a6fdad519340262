package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePurger struct {
	cutoff time.Time
	purged int64
	err    error
}

func (f *fakePurger) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.purged, f.err
}

func TestCleanerUsesRetentionWindow(t *testing.T) {
	purger := &fakePurger{purged: 7}
	cleaner := NewCleaner(purger, 90*24*time.Hour)

	before := time.Now().Add(-90 * 24 * time.Hour)
	if err := cleaner.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	after := time.Now().Add(-90 * 24 * time.Hour)

	if purger.cutoff.Before(before) || purger.cutoff.After(after) {
		t.Errorf("cutoff = %v, want about now minus 90 days", purger.cutoff)
	}
}

func TestCleanerPropagatesStoreError(t *testing.T) {
	purger := &fakePurger{err: errors.New("db down")}
	cleaner := NewCleaner(purger, time.Hour)

	if err := cleaner.Run(context.Background()); err == nil {
		t.Fatal("Run should surface the purge error to the scheduler")
	}
}
