package torerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapNilIsNil(t *testing.T) {
	if err := Wrap(Internal, nil); err != nil {
		t.Fatalf("Wrap(kind, nil) = %v, want nil", err)
	}
}

func TestKindOfRoundTrip(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(TorConnectionFailed, cause)

	if got := KindOf(err); got != TorConnectionFailed {
		t.Fatalf("KindOf = %v, want TorConnectionFailed", got)
	}
	if !Is(err, TorConnectionFailed) {
		t.Fatal("Is(err, TorConnectionFailed) = false")
	}
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is did not see through the wrapper to cause")
	}
}

func TestKindOfUnclassifiedErrorIsInternal(t *testing.T) {
	if got := KindOf(errors.New("plain error")); got != Internal {
		t.Fatalf("KindOf(plain error) = %v, want Internal", got)
	}
}

func TestWrapPreservesChainThroughFmtErrorf(t *testing.T) {
	cause := New(CircuitCollapse, "relay sent DESTROY")
	wrapped := fmt.Errorf("extend hop 2: %w", cause)

	if got := KindOf(wrapped); got != CircuitCollapse {
		t.Fatalf("KindOf(fmt.Errorf wrapped) = %v, want CircuitCollapse", got)
	}
}

func TestKindStringIsStable(t *testing.T) {
	cases := map[Kind]string{
		BootstrapRequired:   "BootstrapRequired",
		NoPath:              "NoPath",
		ReactorShuttingDown: "ReactorShuttingDown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", k, got, want)
		}
	}
}
