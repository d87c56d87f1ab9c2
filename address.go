package hvtsim

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/lvwf1/hvtsim/internal/logging"
	"github.com/lvwf1/hvtsim/internal/observability"
)

// Subnet binds one wired link to its address block.
type Subnet struct {
	Link       *Link
	Index      int
	Prefix     netip.Prefix
	MobileAddr netip.Addr
	BaseAddr   netip.Addr
}

// PlanSubnets returns n sequential /24 blocks following base: block k is
// a.b.(c+k+1).0/24 for base a.b.c.d. The third octet strictly increases with
// k, so the blocks are pairwise distinct without consulting a registry.
func PlanSubnets(base netip.Addr, n int) ([]netip.Prefix, error) {
	if !base.Is4() {
		return nil, fmt.Errorf("subnet base %v is not IPv4", base)
	}
	if n < 0 {
		return nil, fmt.Errorf("negative subnet count %d", n)
	}
	octets := base.As4()
	if int(octets[2])+n > 255 {
		return nil, fmt.Errorf("subnet base %v leaves room for %d /24 blocks, %d needed", base, 255-int(octets[2]), n)
	}

	blocks := make([]netip.Prefix, 0, n)
	for k := 0; k < n; k++ {
		b := [4]byte{octets[0], octets[1], octets[2] + byte(k+1), 0}
		blocks = append(blocks, netip.PrefixFrom(netip.AddrFrom4(b), 24))
	}
	return blocks, nil
}

// AddressPlan is the result of binding one block to every wired link.
type AddressPlan struct {
	topo    *Topology
	Subnets []Subnet // Subnets[i] belongs to Topology.Wired[i]
}

// AssignAddresses binds a distinct block to each wired link of the topology.
// Radio attachments receive no address from the plan.
func AssignAddresses(ctx context.Context, topo *Topology) (*AddressPlan, error) {
	ctx, span := observability.StartStage(ctx, "address.assign")
	defer span.End()

	blocks, err := PlanSubnets(topo.scenario.SubnetBase(), len(topo.Wired))
	if err != nil {
		return nil, err
	}

	plan := &AddressPlan{topo: topo}
	for idx, link := range topo.Wired {
		addrs, err := topo.engine.AssignAddress(link.Handle, blocks[idx])
		if err != nil {
			return nil, fmt.Errorf("assign %v to link %s-%s: %w", blocks[idx], link.A.Name, link.B.Name, err)
		}
		plan.Subnets = append(plan.Subnets, Subnet{
			Link:       link,
			Index:      idx,
			Prefix:     blocks[idx],
			MobileAddr: addrs.A,
			BaseAddr:   addrs.B,
		})
		topo.log.Debug(ctx, "subnet assigned",
			logging.String("link", link.A.Name+"-"+link.B.Name),
			logging.String("prefix", blocks[idx].String()),
			logging.String("mobile_addr", addrs.A.String()),
			logging.String("base_addr", addrs.B.String()),
		)
	}

	topo.log.Info(ctx, "addresses assigned", logging.Int("subnets", len(plan.Subnets)))
	return plan, nil
}

// Topology returns the topology the plan addresses.
func (ap *AddressPlan) Topology() *Topology { return ap.topo }

// SubnetFor returns the block of the given mobile's wired link.
func (ap *AddressPlan) SubnetFor(mobile int) (Subnet, bool) {
	if mobile < 0 || mobile >= len(ap.Subnets) {
		return Subnet{}, false
	}
	return ap.Subnets[mobile], true
}

// RoutedNetwork is an addressed topology whose routes have been populated.
// Applications can only be installed on a RoutedNetwork.
type RoutedNetwork struct {
	plan *AddressPlan
}

// PopulateRoutes asks the engine to compute routes over the assigned
// addresses. It must run after every address exists, which holding an
// *AddressPlan guarantees.
func (ap *AddressPlan) PopulateRoutes(ctx context.Context) (*RoutedNetwork, error) {
	ctx, span := observability.StartStage(ctx, "routes.populate")
	defer span.End()

	if err := ap.topo.engine.PopulateRoutes(); err != nil {
		return nil, fmt.Errorf("populate routes: %w", err)
	}
	ap.topo.log.Info(ctx, "routes populated")
	return &RoutedNetwork{plan: ap}, nil
}

// Plan returns the address plan the routes were computed from.
func (rn *RoutedNetwork) Plan() *AddressPlan { return rn.plan }
