package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachflow/orchestrator/internal/domain"
	"github.com/coachflow/orchestrator/internal/metrics"
	"github.com/coachflow/orchestrator/internal/store"
)

func newTestRegistry(t *testing.T, duration time.Duration) *Registry {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return NewRegistry(s, duration, time.Minute, metrics.New(), zerolog.Nop())
}

func TestCreateAndValidate(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, 30*time.Minute)

	created, err := r.Create(ctx, []byte(`{"user":"alice"}`))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.Token == "" || created.SessionID == "" {
		t.Fatalf("missing token or id: %+v", created)
	}

	validated, err := r.ValidateAndExtend(ctx, created.Token)
	if err != nil {
		t.Fatalf("ValidateAndExtend failed: %v", err)
	}
	if validated.SessionID != created.SessionID {
		t.Fatalf("validated a different session: %q vs %q", validated.SessionID, created.SessionID)
	}
}

func TestValidateExtendsDeadlineEachTime(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, 30*time.Minute)

	created, err := r.Create(ctx, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	first, err := r.ValidateAndExtend(ctx, created.Token)
	if err != nil {
		t.Fatalf("first validate failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	second, err := r.ValidateAndExtend(ctx, created.Token)
	if err != nil {
		t.Fatalf("second validate failed: %v", err)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Fatalf("deadline did not move forward: %v then %v", first.ExpiresAt, second.ExpiresAt)
	}
}

func TestUnknownTokenUnauthenticated(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, 30*time.Minute)

	_, err := r.ValidateAndExtend(ctx, "no-such-token")
	if !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestSlidingExpiration(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, time.Second)

	created, err := r.Create(ctx, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Inside the window: validation succeeds and slides the deadline.
	time.Sleep(500 * time.Millisecond)
	if _, err := r.ValidateAndExtend(ctx, created.Token); err != nil {
		t.Fatalf("validate inside window failed: %v", err)
	}

	// 1.2s past the extension is beyond the new 1s deadline.
	time.Sleep(1200 * time.Millisecond)
	_, err = r.ValidateAndExtend(ctx, created.Token)
	if !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated after expiry, got %v", err)
	}
}

func TestConcurrentValidation(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, 30*time.Minute)

	created, err := r.Create(ctx, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Two concurrent validators inside the window must both succeed; the
	// guard lives in the store write, not in a read-then-check race.
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.ValidateAndExtend(ctx, created.Token)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("validator %d failed: %v", i, err)
		}
	}
}

func TestRevokeThenValidate(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, 30*time.Minute)

	created, err := r.Create(ctx, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := r.Revoke(ctx, created.Token); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if err := r.Revoke(ctx, created.Token); err != nil {
		t.Fatalf("second Revoke failed: %v", err)
	}
	_, err = r.ValidateAndExtend(ctx, created.Token)
	if !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated after revoke, got %v", err)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, 50*time.Millisecond)

	if _, err := r.Create(ctx, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 session swept, got %d", n)
	}
}
