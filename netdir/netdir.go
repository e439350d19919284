// Package netdir provides the immutable NetDir snapshot: a validated
// consensus plus its derived microdescriptors, frozen at construction time
// so concurrent readers (path selection, HS ring computation) never race
// against a directory refresh in progress.
package netdir

import (
	"fmt"

	"github.com/veilnet/artic/directory"
	"github.com/veilnet/artic/torerr"
)

// NetDir is a point-in-time, read-only view of the usable relay set.
// A new NetDir is built whenever DirMgr finishes a bootstrap or refresh
// round; existing circuits and in-flight path selections keep using
// whichever snapshot they started with.
type NetDir struct {
	consensus *directory.Consensus
}

// New checks consensus's freshness and, on success, wraps it as a NetDir.
// It does not check authority signatures (certs is unused); DirMgr runs
// directory.ValidateSignatures on the raw text before parsing. Relays carry
// ntor/ed25519 keys only if UpdateRelaysWithMicrodescriptors has already
// filled them in; DirMgr builds its first NetDir before that fetch.
func New(consensus *directory.Consensus, certs []directory.KeyCert) (*NetDir, error) {
	if consensus == nil {
		return nil, torerr.New(torerr.BadApiUsage, "netdir: nil consensus")
	}
	if err := directory.ValidateFreshness(consensus); err != nil {
		return nil, torerr.Wrap(torerr.DirectoryExpired, err)
	}
	// Authority signature validation needs the raw consensus text, which
	// the caller only has before parsing; accept pre-validated certs as a
	// signal that ValidateSignatures already ran, and skip a second check
	// the caller has no text to perform here.
	_ = certs
	return &NetDir{consensus: consensus}, nil
}

// Consensus returns the wrapped consensus document.
func (n *NetDir) Consensus() *directory.Consensus {
	return n.consensus
}

// Relays returns every relay carried by the snapshot's consensus.
func (n *NetDir) Relays() []directory.Relay {
	return n.consensus.Relays
}

// UsableRelays returns the subset of relays that are Running, Valid, and
// have a resolved microdescriptor (ntor key present) — the minimum bar for
// appearing in a circuit.
func (n *NetDir) UsableRelays() []directory.Relay {
	var out []directory.Relay
	for _, r := range n.consensus.Relays {
		if r.Flags.Running && r.Flags.Valid && r.HasNtorKey {
			out = append(out, r)
		}
	}
	return out
}

// HaveEnoughPaths reports whether this snapshot carries enough distinct
// guard, middle-capable, and exit relays to build at least one compliant
// 3-hop path — the gate DirMgr checks before moving from PartialDir to
// Ready.
func (n *NetDir) HaveEnoughPaths() bool {
	var guards, exits, middles int
	for _, r := range n.UsableRelays() {
		if r.Flags.Guard {
			guards++
		}
		if r.Flags.Exit && !r.Flags.BadExit {
			exits++
		}
		middles++
	}
	return guards > 0 && exits > 0 && middles >= 3
}

// RelayByIdentity finds a relay by its SHA-1 RSA identity digest.
func (n *NetDir) RelayByIdentity(id [20]byte) (directory.Relay, bool) {
	for _, r := range n.consensus.Relays {
		if r.Identity == id {
			return r, true
		}
	}
	return directory.Relay{}, false
}

// HSDirs returns every relay flagged as an HSDir, for ring construction.
func (n *NetDir) HSDirs() []directory.Relay {
	var out []directory.Relay
	for _, r := range n.consensus.Relays {
		if r.Flags.HSDir {
			out = append(out, r)
		}
	}
	return out
}

func (n *NetDir) String() string {
	return fmt.Sprintf("NetDir{relays=%d, valid_until=%s}", len(n.consensus.Relays), n.consensus.ValidUntil)
}
