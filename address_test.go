package hvtsim

import (
	"context"
	"errors"
	"net/netip"
	"testing"
)

func TestPlanSubnets(t *testing.T) {
	blocks, err := PlanSubnets(netip.MustParseAddr("10.1.0.0"), 4)
	if err != nil {
		t.Fatalf("PlanSubnets: %v", err)
	}
	want := []string{"10.1.1.0/24", "10.1.2.0/24", "10.1.3.0/24", "10.1.4.0/24"}
	if len(blocks) != len(want) {
		t.Fatalf("got %d blocks, want %d", len(blocks), len(want))
	}
	seen := make(map[netip.Prefix]bool)
	for idx, b := range blocks {
		if b.String() != want[idx] {
			t.Errorf("block %d = %v, want %s", idx, b, want[idx])
		}
		if seen[b] {
			t.Errorf("block %v planned twice", b)
		}
		seen[b] = true
	}
	for i := range blocks {
		for j := range blocks {
			if i != j && blocks[i].Overlaps(blocks[j]) {
				t.Errorf("blocks %v and %v overlap", blocks[i], blocks[j])
			}
		}
	}
}

func TestPlanSubnetsLimits(t *testing.T) {
	if blocks, err := PlanSubnets(netip.MustParseAddr("10.1.0.0"), 0); err != nil || len(blocks) != 0 {
		t.Errorf("zero blocks = %v, %v", blocks, err)
	}
	if _, err := PlanSubnets(netip.MustParseAddr("10.1.0.0"), 255); err != nil {
		t.Errorf("255 blocks rejected: %v", err)
	}
	if _, err := PlanSubnets(netip.MustParseAddr("10.1.0.0"), 256); err == nil {
		t.Errorf("256 blocks accepted")
	}
	if _, err := PlanSubnets(netip.MustParseAddr("fd00::1"), 1); err == nil {
		t.Errorf("IPv6 base accepted")
	}
}

func TestAssignAddressesFollowsWiredLinks(t *testing.T) {
	fe := newFakeEngine()
	topo := buildTopology(t, DefaultScenarioConfig(), fe)

	plan, err := AssignAddresses(context.Background(), topo)
	if err != nil {
		t.Fatalf("AssignAddresses: %v", err)
	}
	if len(plan.Subnets) != 4 || len(fe.addrs) != 4 {
		t.Fatalf("subnets=%d engine assignments=%d", len(plan.Subnets), len(fe.addrs))
	}
	for idx, sn := range plan.Subnets {
		if sn.Link != topo.Wired[idx] {
			t.Errorf("subnet %d bound to the wrong link", idx)
		}
		if !sn.Prefix.Contains(sn.MobileAddr) || !sn.Prefix.Contains(sn.BaseAddr) {
			t.Errorf("subnet %d addresses %v/%v outside %v", idx, sn.MobileAddr, sn.BaseAddr, sn.Prefix)
		}
	}
	if got := plan.Subnets[1].MobileAddr.String(); got != "10.1.2.1" {
		t.Errorf("mobile 1 wired address = %s, want 10.1.2.1", got)
	}
	if sn, ok := plan.SubnetFor(3); !ok || sn.BaseAddr.String() != "10.1.4.2" {
		t.Errorf("SubnetFor(3) = %+v, %v", sn, ok)
	}
	if _, ok := plan.SubnetFor(4); ok {
		t.Errorf("SubnetFor(4) found a subnet")
	}
	if plan.Topology() != topo {
		t.Errorf("plan does not reference its topology")
	}
}

func TestPopulateRoutesAfterAddresses(t *testing.T) {
	fe := newFakeEngine()
	topo := buildTopology(t, DefaultScenarioConfig(), fe)
	plan, err := AssignAddresses(context.Background(), topo)
	if err != nil {
		t.Fatalf("AssignAddresses: %v", err)
	}
	routed, err := plan.PopulateRoutes(context.Background())
	if err != nil {
		t.Fatalf("PopulateRoutes: %v", err)
	}
	if !fe.routed || routed.Plan() != plan {
		t.Fatalf("routes not populated through the plan")
	}
	if fe.indexOf("routes") < fe.lastIndexOf("address") {
		t.Errorf("routes populated before every address: %v", fe.calls)
	}
}

func TestAddressErrorsPropagate(t *testing.T) {
	for _, call := range []string{"address", "routes"} {
		t.Run(call, func(t *testing.T) {
			fe := newFakeEngine()
			topo := buildTopology(t, DefaultScenarioConfig(), fe)
			fe.failOn = call
			plan, err := AssignAddresses(context.Background(), topo)
			if err == nil {
				_, err = plan.PopulateRoutes(context.Background())
			}
			if !errors.Is(err, errFake) {
				t.Errorf("error = %v, want the engine's error", err)
			}
		})
	}
}
