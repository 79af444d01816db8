package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	unlock, err := l.TryLock(ctx, "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.TryLock(ctx, "a"); !errors.Is(err, models.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	unlockB, err := l.TryLock(ctx, "b")
	if err != nil {
		t.Fatalf("independent sessions must not contend: %v", err)
	}
	unlockB()

	unlock()
	unlock()
	again, err := l.TryLock(ctx, "a")
	if err != nil {
		t.Fatalf("expected lock to be free after unlock: %v", err)
	}
	again()
}
