package loop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"patchbay.dev/llm"
	"patchbay.dev/llm/conversation"
	"patchbay.dev/toolbox"
)

func stubFactory(built *atomic.Int32) AgentFactory {
	return func(ctx context.Context, sessionID string) (*Agent, error) {
		if built != nil {
			built.Add(1)
		}
		return &Agent{
			SessionID: sessionID,
			Convo:     conversation.New(ctx, &fakeService{fn: func(r *llm.Request) (*llm.Response, error) { return endTurn("ok"), nil }}),
			Toolbox:   toolbox.New("/tmp"),
		}, nil
	}
}

func TestRegistryAcquireReusesAgents(t *testing.T) {
	var built atomic.Int32
	r := NewRegistry(stubFactory(&built))
	ctx := context.Background()

	a1, release1, err := r.Acquire(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	release1()

	a2, release2, err := r.Acquire(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	release2()

	if a1 != a2 {
		t.Error("expected the same agent across acquisitions")
	}
	if built.Load() != 1 {
		t.Errorf("expected 1 build, got %d", built.Load())
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 live agent, got %d", r.Len())
	}
}

func TestRegistrySerializesTurns(t *testing.T) {
	r := NewRegistry(stubFactory(nil))
	ctx := context.Background()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, release, err := r.Acquire(ctx, "s1")
			if err != nil {
				t.Error(err)
				return
			}
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			active.Add(-1)
			release()
		}()
	}
	wg.Wait()

	if maxActive.Load() != 1 {
		t.Errorf("expected at most 1 concurrent turn, observed %d", maxActive.Load())
	}
}

func TestRegistryLockSerializes(t *testing.T) {
	r := NewRegistry(stubFactory(nil))

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.Lock("s1")
			if err != nil {
				t.Error(err)
				return
			}
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			active.Add(-1)
			release()
		}()
	}
	wg.Wait()

	if maxActive.Load() != 1 {
		t.Errorf("expected at most 1 concurrent run, observed %d", maxActive.Load())
	}
}

func TestRegistryAcquireWaitsForLockedSession(t *testing.T) {
	r := NewRegistry(stubFactory(nil))
	release, err := r.Lock("s1")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		_, rel, err := r.Acquire(context.Background(), "s1")
		if err != nil {
			t.Error(err)
			return
		}
		rel()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("Acquire completed while the session's turn lock was held")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not complete after release")
	}
}

func TestRegistryLockAfterReleaseAll(t *testing.T) {
	r := NewRegistry(stubFactory(nil))
	r.ReleaseAll()
	if _, err := r.Lock("s1"); err == nil {
		t.Error("expected Lock to fail after ReleaseAll")
	}
}

func TestRegistryRelease(t *testing.T) {
	var built atomic.Int32
	r := NewRegistry(stubFactory(&built))
	ctx := context.Background()

	_, release, err := r.Acquire(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	release()

	r.Release("s1")
	if r.Len() != 0 {
		t.Errorf("expected 0 live agents, got %d", r.Len())
	}

	if _, release, err = r.Acquire(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	release()
	if built.Load() != 2 {
		t.Errorf("expected a rebuild after Release, got %d builds", built.Load())
	}
}

func TestRegistryReleaseAll(t *testing.T) {
	r := NewRegistry(stubFactory(nil))
	ctx := context.Background()

	_, release, err := r.Acquire(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	release()

	r.ReleaseAll()
	if _, _, err := r.Acquire(ctx, "s1"); err == nil {
		t.Error("expected acquisition to fail after ReleaseAll")
	}
}

func TestRegistryFactoryError(t *testing.T) {
	r := NewRegistry(func(ctx context.Context, sessionID string) (*Agent, error) {
		return nil, errors.New("no such session")
	})
	_, _, err := r.Acquire(context.Background(), "s1")
	if err == nil || !strings.Contains(err.Error(), "no such session") {
		t.Errorf("expected factory error, got %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("failed builds must not be cached, got %d", r.Len())
	}
}
