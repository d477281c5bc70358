package stats_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arka-mehta/tierbox/stats"
)

func TestCollectorReportsSnapshot(t *testing.T) {
	snap := stats.Snapshot{Hits: 3, Misses: 1, Evictions: 2, Expirations: 1, Items: 5, Bytes: 1024}
	c := stats.NewCollector("memory", func() stats.Snapshot { return snap })

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	var sawHits bool
	for _, mf := range families {
		if mf.GetName() != "tierbox_cache_hits_total" {
			continue
		}
		sawHits = true
		m := mf.GetMetric()[0]
		if m.GetCounter().GetValue() != 3 {
			t.Fatalf("expected hits=3, got %v", m.GetCounter().GetValue())
		}
		var gotTierLabel bool
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "tier" && lp.GetValue() == "memory" {
				gotTierLabel = true
			}
		}
		if !gotTierLabel {
			t.Fatal("expected tier=memory label")
		}
	}
	if !sawHits {
		t.Fatal("expected to find tierbox_cache_hits_total metric family")
	}
}
