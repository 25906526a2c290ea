package subject

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_SerializesPerSubject(t *testing.T) {
	m := NewManager(Limits{})
	var inFlight, maxInFlight int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Do(context.Background(), "u1", func(context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&maxInFlight)
					if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("max concurrent runs = %d, want 1", maxInFlight)
	}
}

func TestDo_IndependentSubjects(t *testing.T) {
	m := NewManager(Limits{})
	release := make(chan struct{})
	started := make(chan struct{})

	go m.Do(context.Background(), "a", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	done := make(chan error, 1)
	go func() {
		done <- m.Do(context.Background(), "b", func(context.Context) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Do(b) = %v", err)
		}
	case <-time.After(time.Second):
		t.Error("subject b blocked behind subject a")
	}
	close(release)
}

func TestDo_ContextCancelledWhileWaiting(t *testing.T) {
	m := NewManager(Limits{})
	release := make(chan struct{})
	started := make(chan struct{})
	go m.Do(context.Background(), "a", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Do(ctx, "a", func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do error = %v, want context.DeadlineExceeded", err)
	}
}

func TestAllow_RateLimit(t *testing.T) {
	m := NewManager(Limits{TokenRate: 1, BurstRate: 2})
	if err := m.Allow("u"); err != nil {
		t.Fatalf("first Allow: %v", err)
	}
	if err := m.Allow("u"); err != nil {
		t.Fatalf("second Allow: %v", err)
	}
	if err := m.Allow("u"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("third Allow = %v, want ErrRateLimited", err)
	}
	if err := m.Allow("other"); err != nil {
		t.Errorf("other subject Allow = %v, want nil", err)
	}
}

func TestAllow_DailyQuota(t *testing.T) {
	m := NewManager(Limits{DailyQuota: 2})
	m.Allow("u")
	m.Allow("u")
	if err := m.Allow("u"); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Allow over quota = %v, want ErrQuotaExceeded", err)
	}
	if got := m.Usage("u"); got != 2 {
		t.Errorf("Usage = %d, want 2", got)
	}
}
