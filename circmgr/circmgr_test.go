package circmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/veilnet/artic/circuit"
	"github.com/veilnet/artic/torruntime"
)

func TestGetOrLaunchExitBuildsOnce(t *testing.T) {
	rt := torruntime.NewFake(time.Unix(0, 0))
	var calls int
	build := func(ctx context.Context, purpose Purpose) (*circuit.Reactor, error) {
		calls++
		return circuit.NewReactor(&circuit.Circuit{ID: uint32(calls)}, nil), nil
	}
	m := New(build, rt, time.Minute, time.Hour, nil)

	r1, err := m.GetOrLaunchExit(context.Background(), PurposeExit)
	if err != nil {
		t.Fatalf("GetOrLaunchExit: %v", err)
	}
	if r1 == nil {
		t.Fatal("expected a reactor")
	}
	if calls != 1 {
		t.Fatalf("build called %d times, want 1", calls)
	}
}

func TestGetOrLaunchExitReusesPooledCircuit(t *testing.T) {
	rt := torruntime.NewFake(time.Unix(0, 0))
	var calls int
	build := func(ctx context.Context, purpose Purpose) (*circuit.Reactor, error) {
		calls++
		return circuit.NewReactor(&circuit.Circuit{ID: uint32(calls)}, nil), nil
	}
	m := New(build, rt, time.Minute, time.Hour, nil)

	r1, err := m.GetOrLaunchExit(context.Background(), PurposeExit)
	if err != nil {
		t.Fatalf("first GetOrLaunchExit: %v", err)
	}
	// Return it to the pool the way a caller would after detaching its stream.
	m.pool[PurposeExit] = append(m.pool[PurposeExit], &pooled{reactor: r1, purpose: PurposeExit, builtAt: rt.Now()})

	r2, err := m.GetOrLaunchExit(context.Background(), PurposeExit)
	if err != nil {
		t.Fatalf("second GetOrLaunchExit: %v", err)
	}
	if r2 != r1 {
		t.Fatal("expected the pooled circuit to be reused")
	}
	if calls != 1 {
		t.Fatalf("build called %d times, want 1 (second call should reuse pool)", calls)
	}
}

func TestGetOrLaunchExitSkipsExpiredCircuit(t *testing.T) {
	rt := torruntime.NewFake(time.Unix(0, 0))
	var calls int
	build := func(ctx context.Context, purpose Purpose) (*circuit.Reactor, error) {
		calls++
		return circuit.NewReactor(&circuit.Circuit{ID: uint32(calls)}, nil), nil
	}
	m := New(build, rt, time.Minute, time.Hour, nil)
	m.pool[PurposeExit] = append(m.pool[PurposeExit], &pooled{
		reactor: circuit.NewReactor(&circuit.Circuit{ID: 99}, nil),
		purpose: PurposeExit,
		builtAt: rt.Now().Add(-2 * time.Hour), // older than maxLifetime
	})

	r, err := m.GetOrLaunchExit(context.Background(), PurposeExit)
	if err != nil {
		t.Fatalf("GetOrLaunchExit: %v", err)
	}
	if r == nil {
		t.Fatal("expected a freshly built reactor")
	}
	if calls != 1 {
		t.Fatalf("build called %d times, want 1 (expired entry must not be reused)", calls)
	}
}

func TestGetOrLaunchExitCoalescesConcurrentBuilds(t *testing.T) {
	rt := torruntime.NewFake(time.Unix(0, 0))
	var callsMu sync.Mutex
	var calls int
	release := make(chan struct{})
	build := func(ctx context.Context, purpose Purpose) (*circuit.Reactor, error) {
		callsMu.Lock()
		calls++
		callsMu.Unlock()
		<-release
		return circuit.NewReactor(&circuit.Circuit{ID: 1}, nil), nil
	}
	m := New(build, rt, time.Minute, time.Hour, nil)

	results := make(chan *circuit.Reactor, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := m.GetOrLaunchExit(context.Background(), PurposeExit)
			if err != nil {
				t.Errorf("GetOrLaunchExit: %v", err)
				return
			}
			results <- r
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	callsMu.Lock()
	gotCalls := calls
	callsMu.Unlock()
	if gotCalls != 1 {
		t.Fatalf("build called %d times, want 1", gotCalls)
	}
	var first *circuit.Reactor
	for r := range results {
		if first == nil {
			first = r
		} else if r != first {
			t.Fatal("concurrent callers received different reactors")
		}
	}
}

func TestGetOrLaunchExitPropagatesBuildError(t *testing.T) {
	rt := torruntime.NewFake(time.Unix(0, 0))
	wantErr := errors.New("guard unreachable")
	build := func(ctx context.Context, purpose Purpose) (*circuit.Reactor, error) {
		return nil, wantErr
	}
	m := New(build, rt, time.Minute, time.Hour, nil)

	if _, err := m.GetOrLaunchExit(context.Background(), PurposeExit); err == nil {
		t.Fatal("expected an error")
	}
}

func TestTimeoutPercentileFallsBackWithFewSamples(t *testing.T) {
	rt := torruntime.NewFake(time.Unix(0, 0))
	m := New(nil, rt, time.Minute, time.Hour, nil)

	if got := m.Timeout(PurposeExit, 0.95, 5*time.Second); got != 5*time.Second {
		t.Fatalf("Timeout = %v, want fallback 5s", got)
	}

	m.mu.Lock()
	m.recordBuildLocked(PurposeExit, 1*time.Second)
	m.recordBuildLocked(PurposeExit, 2*time.Second)
	m.recordBuildLocked(PurposeExit, 3*time.Second)
	m.recordBuildLocked(PurposeExit, 10*time.Second)
	m.mu.Unlock()

	p95 := m.Timeout(PurposeExit, 0.95, 5*time.Second)
	if p95 != 10*time.Second {
		t.Fatalf("p95 = %v, want 10s (the max of 4 samples)", p95)
	}
}
