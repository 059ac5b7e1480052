package election

import (
	"testing"

	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

func peer(id model.NodeID, eligible bool) model.NetworkNode {
	return model.NetworkNode{
		ID:                id,
		CapabilitiesKnown: true,
		Capabilities:      model.Capabilities{CanCoordinate: eligible},
	}
}

func TestElect(t *testing.T) {
	cases := []struct {
		name string
		view View
		want model.NodeID
	}{
		{
			name: "alone never claims",
			view: View{Self: 5, SelfEligible: true, DiscoveryComplete: true},
			want: model.NoNode,
		},
		{
			name: "lower peer accepted before discovery completes",
			view: View{Self: 12, SelfEligible: true, ActivePeers: []model.NetworkNode{peer(5, true)}},
			want: 5,
		},
		{
			name: "lowest node waits for its window",
			view: View{Self: 5, SelfEligible: true, ActivePeers: []model.NetworkNode{peer(12, true)}},
			want: model.NoNode,
		},
		{
			name: "lowest node claims after window",
			view: View{Self: 5, SelfEligible: true, DiscoveryComplete: true, ActivePeers: []model.NetworkNode{peer(12, true)}},
			want: 5,
		},
		{
			name: "ineligible peers are skipped",
			view: View{Self: 9, SelfEligible: true, DiscoveryComplete: true, ActivePeers: []model.NetworkNode{peer(3, false), peer(12, true)}},
			want: 9,
		},
		{
			name: "ineligible self follows lowest eligible peer",
			view: View{Self: 1, SelfEligible: false, DiscoveryComplete: true, ActivePeers: []model.NetworkNode{peer(12, true), peer(7, true)}},
			want: 7,
		},
		{
			name: "peers learned second hand are not candidates",
			view: View{Self: 9, SelfEligible: true, DiscoveryComplete: true, ActivePeers: []model.NetworkNode{{ID: 2}, peer(12, true)}},
			want: 9,
		},
		{
			name: "claimed lower coordinator settles a split brain",
			view: View{Self: 9, SelfEligible: true, DiscoveryComplete: true, ActivePeers: []model.NetworkNode{{ID: 2}, peer(12, true)}, Claimants: []model.NodeID{12, 2}},
			want: 2,
		},
		{
			name: "higher claimant never displaces the local outcome",
			view: View{Self: 5, SelfEligible: true, DiscoveryComplete: true, ActivePeers: []model.NetworkNode{peer(12, true)}, Claimants: []model.NodeID{12}},
			want: 5,
		},
		{
			name: "lower claimant accepted while the window is open",
			view: View{Self: 5, SelfEligible: true, ActivePeers: []model.NetworkNode{peer(12, true)}, Claimants: []model.NodeID{3}},
			want: 3,
		},
		{
			name: "higher claimant ignored while the window is open",
			view: View{Self: 5, SelfEligible: true, ActivePeers: []model.NetworkNode{peer(12, true)}, Claimants: []model.NodeID{12}},
			want: model.NoNode,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Elect(tc.view); got != tc.want {
				t.Fatalf("Elect = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestElectorReelectsOnPartitionMerge(t *testing.T) {
	e := NewElector(9, nil)
	v := View{SelfEligible: true, DiscoveryComplete: true, ActivePeers: []model.NetworkNode{peer(14, true)}}
	if id, changed := e.Elect(v); id != 9 || !changed {
		t.Fatalf("expected self elected, got %s changed=%v", id, changed)
	}
	if !e.IsCoordinator() {
		t.Fatalf("IsCoordinator should be true")
	}
	if _, changed := e.Elect(v); changed {
		t.Fatalf("repeat election must be stable")
	}

	// A partition heals and node 4 becomes visible.
	v.ActivePeers = append(v.ActivePeers, peer(4, true))
	if id, changed := e.Elect(v); id != 4 || !changed {
		t.Fatalf("expected node 4 after merge, got %s changed=%v", id, changed)
	}
	if e.IsCoordinator() {
		t.Fatalf("node 9 should step down")
	}

	// Node 4 goes silent again.
	v.ActivePeers = v.ActivePeers[:1]
	if id, _ := e.Elect(v); id != 9 {
		t.Fatalf("expected node 9 to reclaim, got %s", id)
	}
}

func TestResolveSplitBrain(t *testing.T) {
	if got := ResolveSplitBrain([]model.NodeID{12, 5, 9}); got != 5 {
		t.Fatalf("ResolveSplitBrain = %s, want node-5", got)
	}
	if got := ResolveSplitBrain(nil); got != model.NoNode {
		t.Fatalf("empty claimants should resolve to none")
	}
}
