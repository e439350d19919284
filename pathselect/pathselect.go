package pathselect

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"

	"github.com/veilnet/artic/directory"
)

// Path represents a selected guard → middle → exit path.
type Path struct {
	Guard  directory.Relay
	Middle directory.Relay
	Exit   directory.Relay
}

// FamilyRules governs how broadly two relays count as "the same family" for
// same-path exclusion, expressed as CIDR prefix lengths: relays sharing an
// IPv4Prefix-bit IPv4 prefix, or an IPv6Prefix-bit IPv6 prefix, are treated
// as if they were the same relay for guard/middle/exit placement. config's
// path_rules default to /16 and /32; DefaultFamilyRules, used by SelectPath,
// SelectGuard and SelectMiddle, is /16 and /128.
type FamilyRules struct {
	IPv4Prefix uint8
	IPv6Prefix uint8
}

// DefaultFamilyRules matches the historical hardcoded /16 IPv4 check; IPv6
// relays were never family-excluded before config.PathRules existed, so the
// IPv6 prefix defaults to a full address match (/128) rather than silently
// starting to exclude more paths than before.
func DefaultFamilyRules() FamilyRules {
	return FamilyRules{IPv4Prefix: 16, IPv6Prefix: 128}
}

// SelectPath selects a 3-hop path from the consensus using the default
// family rules.
func SelectPath(consensus *directory.Consensus) (*Path, error) {
	return SelectPathWithRules(consensus, DefaultFamilyRules())
}

// SelectPathWithRules is SelectPath with the family-exclusion prefix
// lengths configurable, per a deployment's path_rules.
func SelectPathWithRules(consensus *directory.Consensus, rules FamilyRules) (*Path, error) {
	exit, err := SelectExit(consensus)
	if err != nil {
		return nil, fmt.Errorf("select exit: %w", err)
	}

	guard, err := SelectGuardWithRules(consensus, exit, rules)
	if err != nil {
		return nil, fmt.Errorf("select guard: %w", err)
	}

	middle, err := SelectMiddleWithRules(consensus, guard, exit, rules)
	if err != nil {
		return nil, fmt.Errorf("select middle: %w", err)
	}

	return &Path{Guard: *guard, Middle: *middle, Exit: *exit}, nil
}

// SelectExit selects an exit relay with the Exit flag and no BadExit.
func SelectExit(consensus *directory.Consensus) (*directory.Relay, error) {
	var candidates []directory.Relay
	var weights []int64

	wee := getWeight(consensus, "Wee", 10000)

	for _, r := range consensus.Relays {
		if !r.Flags.Exit || r.Flags.BadExit || !r.Flags.Running || !r.Flags.Valid || !r.HasNtorKey {
			continue
		}
		candidates = append(candidates, r)
		weights = append(weights, r.Bandwidth*wee/10000)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable exit relays found")
	}

	idx, err := weightedRandom(weights)
	if err != nil {
		return nil, err
	}
	return &candidates[idx], nil
}

// SelectGuard selects a guard relay with Guard+Fast+Running flags, not in
// the same family as the exit, using the default family rules.
func SelectGuard(consensus *directory.Consensus, exit *directory.Relay) (*directory.Relay, error) {
	return SelectGuardWithRules(consensus, exit, DefaultFamilyRules())
}

// SelectGuardWithRules is SelectGuard with the family-exclusion prefix
// lengths configurable.
func SelectGuardWithRules(consensus *directory.Consensus, exit *directory.Relay, rules FamilyRules) (*directory.Relay, error) {
	var candidates []directory.Relay
	var weights []int64

	wgg := getWeight(consensus, "Wgg", 10000)
	wgd := getWeight(consensus, "Wgd", 10000)
	exitFamily := familyKey(exit.Address, rules)

	for _, r := range consensus.Relays {
		if !r.Flags.Guard || !r.Flags.Fast || !r.Flags.Running || !r.Flags.Valid || !r.HasNtorKey {
			continue
		}
		// Same-family check
		if familyKey(r.Address, rules) == exitFamily {
			continue
		}
		// Don't pick the same relay as exit
		if r.Identity == exit.Identity {
			continue
		}
		candidates = append(candidates, r)
		w := wgg
		if r.Flags.Exit {
			w = wgd
		}
		weights = append(weights, r.Bandwidth*w/10000)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable guard relays found")
	}

	idx, err := weightedRandom(weights)
	if err != nil {
		return nil, err
	}
	return &candidates[idx], nil
}

// SelectMiddle selects a middle relay with Fast+Running flags, not in the
// same family as the guard or exit, using the default family rules.
func SelectMiddle(consensus *directory.Consensus, guard, exit *directory.Relay) (*directory.Relay, error) {
	return SelectMiddleWithRules(consensus, guard, exit, DefaultFamilyRules())
}

// SelectMiddleWithRules is SelectMiddle with the family-exclusion prefix
// lengths configurable.
func SelectMiddleWithRules(consensus *directory.Consensus, guard, exit *directory.Relay, rules FamilyRules) (*directory.Relay, error) {
	var candidates []directory.Relay
	var weights []int64

	wmm := getWeight(consensus, "Wmm", 10000)
	wmg := getWeight(consensus, "Wmg", 10000)
	wme := getWeight(consensus, "Wme", 10000)
	wmd := getWeight(consensus, "Wmd", 10000)
	guardFamily := familyKey(guard.Address, rules)
	exitFamily := familyKey(exit.Address, rules)

	for _, r := range consensus.Relays {
		if !r.Flags.Fast || !r.Flags.Running || !r.Flags.Valid || !r.HasNtorKey {
			continue
		}
		// Same-family check
		s := familyKey(r.Address, rules)
		if s == guardFamily || s == exitFamily {
			continue
		}
		// Don't pick same relay
		if r.Identity == guard.Identity || r.Identity == exit.Identity {
			continue
		}
		candidates = append(candidates, r)
		w := wmm
		switch {
		case r.Flags.Guard && r.Flags.Exit:
			w = wmd
		case r.Flags.Guard:
			w = wmg
		case r.Flags.Exit:
			w = wme
		}
		weights = append(weights, r.Bandwidth*w/10000)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable middle relays found")
	}

	idx, err := weightedRandom(weights)
	if err != nil {
		return nil, err
	}
	return &candidates[idx], nil
}

func getWeight(c *directory.Consensus, key string, defaultVal int64) int64 {
	if v, ok := c.BandwidthWeights[key]; ok {
		return v
	}
	return defaultVal
}

// subnet16 returns the /16 prefix of an IPv4 address as a string.
func subnet16(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d", ip4[0], ip4[1])
}

// familyKey returns the CIDR-masked prefix of addr under rules, as a string
// two relays can compare for equality to decide whether they're in the same
// family. IPv4 addresses mask to rules.IPv4Prefix bits, IPv6 to
// rules.IPv6Prefix bits; an unparseable address returns "" and so never
// collides with a real key, matching subnet16's old fail-open behavior.
func familyKey(addr string, rules FamilyRules) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	if ip4 := ip.To4(); ip4 != nil {
		mask := net.CIDRMask(int(rules.IPv4Prefix), 32)
		return ip4.Mask(mask).String()
	}
	mask := net.CIDRMask(int(rules.IPv6Prefix), 128)
	return ip.Mask(mask).String()
}

// weightedRandom selects an index proportional to the given weights using crypto/rand.
func weightedRandom(weights []int64) (int, error) {
	if len(weights) == 0 {
		return 0, fmt.Errorf("empty weights")
	}

	var total int64
	for _, w := range weights {
		if w < 0 {
			w = 0
		}
		total += w
	}

	if total <= 0 {
		// All zero weights — uniform random (unbiased)
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(weights))))
		if err != nil {
			return 0, fmt.Errorf("crypto/rand: %w", err)
		}
		return int(n.Int64()), nil
	}

	// Generate random value in [0, total) without modulo bias
	n, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	r := n.Int64()

	var cumulative int64
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		cumulative += w
		if r < cumulative {
			return i, nil
		}
	}

	return len(weights) - 1, nil
}
