package hspool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veilnet/artic/circmgr"
	"github.com/veilnet/artic/circuit"
	"github.com/veilnet/artic/torruntime"
)

func TestTakeBuildsSynchronouslyWhenEmpty(t *testing.T) {
	rt := torruntime.NewFake(time.Unix(0, 0))
	var built int32
	cm := circmgr.New(func(ctx context.Context, purpose circmgr.Purpose) (*circuit.Reactor, error) {
		atomic.AddInt32(&built, 1)
		return circuit.NewReactor(&circuit.Circuit{ID: 1}, nil), nil
	}, rt, time.Minute, time.Hour, nil)

	p := New(cm, rt, nil)
	r, err := p.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if r == nil {
		t.Fatal("expected a circuit")
	}
	if atomic.LoadInt32(&built) != 1 {
		t.Fatalf("built %d circuits, want 1", built)
	}
}

func TestRefillTopsUpToTarget(t *testing.T) {
	rt := torruntime.NewFake(time.Unix(0, 0))
	var built int32
	cm := circmgr.New(func(ctx context.Context, purpose circmgr.Purpose) (*circuit.Reactor, error) {
		n := atomic.AddInt32(&built, 1)
		return circuit.NewReactor(&circuit.Circuit{ID: uint32(n)}, nil), nil
	}, rt, time.Minute, time.Hour, nil)

	p := New(cm, rt, nil)
	p.refill(context.Background())

	if p.Len() != target {
		t.Fatalf("Len() = %d, want %d", p.Len(), target)
	}
	if int(built) != target {
		t.Fatalf("built %d circuits, want %d", built, target)
	}

	// A second refill with a full pool should build nothing more.
	p.refill(context.Background())
	if int(built) != target {
		t.Fatalf("built %d circuits after second refill, want still %d", built, target)
	}
}

func TestRefillStopsOnFirstError(t *testing.T) {
	rt := torruntime.NewFake(time.Unix(0, 0))
	var built int32
	cm := circmgr.New(func(ctx context.Context, purpose circmgr.Purpose) (*circuit.Reactor, error) {
		n := atomic.AddInt32(&built, 1)
		if n == 3 {
			return nil, errors.New("guard unreachable")
		}
		return circuit.NewReactor(&circuit.Circuit{ID: uint32(n)}, nil), nil
	}, rt, time.Minute, time.Hour, nil)

	p := New(cm, rt, nil)
	p.refill(context.Background())

	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (stopped after the 3rd build failed)", p.Len())
	}
	if p.consecutiveErr != 1 {
		t.Fatalf("consecutiveErr = %d, want 1", p.consecutiveErr)
	}
}

func TestOnNetDirChangedDropsStock(t *testing.T) {
	rt := torruntime.NewFake(time.Unix(0, 0))
	cm := circmgr.New(func(ctx context.Context, purpose circmgr.Purpose) (*circuit.Reactor, error) {
		return circuit.NewReactor(&circuit.Circuit{ID: 1}, nil), nil
	}, rt, time.Minute, time.Hour, nil)

	p := New(cm, rt, nil)
	p.refill(context.Background())
	if p.Len() == 0 {
		t.Fatal("expected a non-empty pool before the netdir change")
	}

	p.OnNetDirChanged()
	if p.Len() != 0 {
		t.Fatalf("Len() = %d after OnNetDirChanged, want 0", p.Len())
	}
}
