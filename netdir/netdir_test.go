package netdir

import (
	"testing"
	"time"

	"github.com/veilnet/artic/directory"
	"github.com/veilnet/artic/torerr"
)

func relay(id byte, guard, exit, running, valid, hasNtor bool) directory.Relay {
	r := directory.Relay{
		HasNtorKey: hasNtor,
		Flags: directory.RelayFlags{
			Guard:   guard,
			Exit:    exit,
			Running: running,
			Valid:   valid,
		},
	}
	r.Identity[0] = id
	return r
}

func freshConsensus(relays []directory.Relay) *directory.Consensus {
	now := time.Now().UTC()
	return &directory.Consensus{
		ValidAfter: now.Add(-30 * time.Minute),
		ValidUntil: now.Add(time.Hour),
		Relays:     relays,
	}
}

func TestNewRejectsExpiredConsensus(t *testing.T) {
	c := freshConsensus(nil)
	c.ValidUntil = time.Now().Add(-time.Hour)

	_, err := New(c, nil)
	if err == nil {
		t.Fatal("expected expired consensus to be rejected")
	}
	if torerr.KindOf(err) != torerr.DirectoryExpired {
		t.Fatalf("KindOf = %v, want DirectoryExpired", torerr.KindOf(err))
	}
}

func TestNewRejectsNilConsensus(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected nil consensus to be rejected")
	}
}

func TestUsableRelaysFiltersUnresolved(t *testing.T) {
	c := freshConsensus([]directory.Relay{
		relay(1, true, false, true, true, true),
		relay(2, false, true, true, true, false), // no ntor key yet
		relay(3, false, true, false, true, true), // not running
	})
	nd, err := New(c, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	usable := nd.UsableRelays()
	if len(usable) != 1 || usable[0].Identity[0] != 1 {
		t.Fatalf("UsableRelays = %+v, want only relay 1", usable)
	}
}

func TestHaveEnoughPathsRequiresGuardExitAndThreeRelays(t *testing.T) {
	tooFew := freshConsensus([]directory.Relay{
		relay(1, true, false, true, true, true),
		relay(2, false, true, true, true, true),
	})
	nd, _ := New(tooFew, nil)
	if nd.HaveEnoughPaths() {
		t.Fatal("expected false with only 2 usable relays")
	}

	enough := freshConsensus([]directory.Relay{
		relay(1, true, false, true, true, true),
		relay(2, false, false, true, true, true),
		relay(3, false, true, true, true, true),
	})
	nd2, _ := New(enough, nil)
	if !nd2.HaveEnoughPaths() {
		t.Fatal("expected true with a guard, middle, and exit present")
	}
}

func TestRelayByIdentity(t *testing.T) {
	c := freshConsensus([]directory.Relay{relay(9, true, true, true, true, true)})
	nd, _ := New(c, nil)

	r, ok := nd.RelayByIdentity([20]byte{9})
	if !ok || r.Identity[0] != 9 {
		t.Fatalf("RelayByIdentity(9) = %+v, %v", r, ok)
	}
	if _, ok := nd.RelayByIdentity([20]byte{99}); ok {
		t.Fatal("expected lookup miss for unknown identity")
	}
}
