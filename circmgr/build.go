package circmgr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/veilnet/artic/chanmgr"
	"github.com/veilnet/artic/circuit"
	"github.com/veilnet/artic/descriptor"
	"github.com/veilnet/artic/directory"
	"github.com/veilnet/artic/netdir"
	"github.com/veilnet/artic/pathselect"
	"github.com/veilnet/artic/torerr"
)

// NetDirSource returns the most recently published NetDir snapshot, or nil
// if the directory hasn't finished bootstrapping yet. DirMgr.NetDir has
// this signature.
type NetDirSource func() *netdir.NetDir

// NewProductionBuildFunc returns the BuildFunc CircMgr runs outside tests:
// it pulls the current consensus from nd, selects a 3-hop path with rules,
// leases the guard's channel from cm instead of dialing it directly, and
// runs circuit.Create/Extend twice before wrapping the result in a Reactor.
//
// For PurposeHS the returned Reactor's dispatch loop is deliberately left
// unstarted — hspool hands these stub circuits to the onion package, which
// drives RELAY_ESTABLISH_RENDEZVOUS/INTRODUCE1 by calling Circuit.ReceiveRelay
// directly and would race a running Reactor for the same cells. Every other
// purpose starts Run immediately so Reactor.OpenStream works as soon as the
// build returns.
func NewProductionBuildFunc(cm *chanmgr.ChanMgr, nd NetDirSource, rules pathselect.FamilyRules, logger *slog.Logger) BuildFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, purpose Purpose) (*circuit.Reactor, error) {
		dir := nd()
		if dir == nil {
			return nil, torerr.New(torerr.BootstrapRequired, "circmgr: no NetDir snapshot yet")
		}

		path, err := pathselect.SelectPathWithRules(dir.Consensus(), rules)
		if err != nil {
			return nil, fmt.Errorf("select path: %w", err)
		}

		guardInfo := relayInfo(&path.Guard)
		l, err := cm.GetOrLaunch(ctx, guardInfo)
		if err != nil {
			return nil, fmt.Errorf("lease guard channel: %w", err)
		}

		c, err := circuit.Create(l, guardInfo, logger)
		if err != nil {
			return nil, fmt.Errorf("circuit create: %w", err)
		}
		if err := c.Extend(relayInfo(&path.Middle), logger); err != nil {
			_ = c.Destroy()
			return nil, fmt.Errorf("extend to middle: %w", err)
		}
		if err := c.Extend(relayInfo(&path.Exit), logger); err != nil {
			_ = c.Destroy()
			return nil, fmt.Errorf("extend to last hop: %w", err)
		}

		r := circuit.NewReactor(c, logger)
		r.SetLastHop(relayInfo(&path.Exit))
		if purpose != PurposeHS {
			go r.Run(ctx)
		}
		return r, nil
	}
}

func relayInfo(relay *directory.Relay) *descriptor.RelayInfo {
	return &descriptor.RelayInfo{
		NodeID:       relay.Identity,
		NtorOnionKey: relay.NtorOnionKey,
		Address:      relay.Address,
		ORPort:       relay.ORPort,
	}
}
