package hybrid_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arka-mehta/tierbox/codec"
	"github.com/arka-mehta/tierbox/hybrid"
)

func newTestCache(t *testing.T, opts ...hybrid.Option[string, string]) *hybrid.Cache[string, string] {
	t.Helper()
	base := t.TempDir()
	c, err := hybrid.New[string, string](base, "tier", codec.JSON[string](), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSetThenGetFromMemory(t *testing.T) {
	c := newTestCache(t, hybrid.WithWriteToDiskOnSet[string, string](true))

	if err := c.Set("a", "hello"); err != nil {
		t.Fatal(err)
	}

	v, src, ok := c.GetWithSource("a")
	if !ok || v != "hello" || src != hybrid.SourceMemory {
		t.Fatalf("GetWithSource(a) = %q, %v, %v", v, src, ok)
	}
}

func TestGetFallsThroughToDiskAndPromotes(t *testing.T) {
	c := newTestCache(t,
		hybrid.WithWriteToDiskOnSet[string, string](true),
		hybrid.WithPromoteOnDiskHit[string, string](true),
	)

	c.Set("a", "hello", hybrid.SkipMemory())
	if _, ok := c.GetFromMemory("a"); ok {
		t.Fatal("expected memory to be empty before disk fallback")
	}

	v, src, ok := c.GetWithSource("a")
	if !ok || v != "hello" || src != hybrid.SourceDisk {
		t.Fatalf("GetWithSource(a) = %q, %v, %v", v, src, ok)
	}

	if _, ok := c.GetFromMemory("a"); !ok {
		t.Fatal("expected disk hit to promote value into memory")
	}
}

func TestMissWhenAbsentFromBothTiers(t *testing.T) {
	c := newTestCache(t)
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss")
	}
	if c.Stats().Misses != 1 {
		t.Fatalf("expected 1 miss, got %d", c.Stats().Misses)
	}
}

func TestDeferredWriteFlushesOnTimer(t *testing.T) {
	c := newTestCache(t,
		hybrid.WithWriteToDiskOnSet[string, string](false),
		hybrid.WithFlushDelay[string, string](10*time.Millisecond),
	)

	if err := c.Set("a", "hello"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.GetFromDisk("a"); ok {
		t.Fatal("expected disk write to be deferred, not immediate")
	}

	time.Sleep(100 * time.Millisecond)

	if v, ok := c.GetFromDisk("a"); !ok || v != "hello" {
		t.Fatalf("expected deferred write to have flushed to disk, got %q, %v", v, ok)
	}
}

func TestDeferredWriteCoalescesLatestValue(t *testing.T) {
	c := newTestCache(t,
		hybrid.WithWriteToDiskOnSet[string, string](false),
		hybrid.WithFlushDelay[string, string](50*time.Millisecond),
	)

	c.Set("a", "first")
	c.Set("a", "second")
	c.Flush()

	if v, ok := c.GetFromDisk("a"); !ok || v != "second" {
		t.Fatalf("expected coalesced flush to persist the latest write, got %q, %v", v, ok)
	}
}

func TestRemoveDropsFromBothTiersAndPending(t *testing.T) {
	c := newTestCache(t, hybrid.WithWriteToDiskOnSet[string, string](false))

	c.Set("a", "hello")
	if err := c.Remove("a"); err != nil {
		t.Fatal(err)
	}
	c.Flush()

	if _, ok := c.GetFromMemory("a"); ok {
		t.Fatal("expected a to be gone from memory")
	}
	if _, ok := c.GetFromDisk("a"); ok {
		t.Fatal("expected a to be gone from disk")
	}
}

func TestRemoveAllClearsBothTiers(t *testing.T) {
	c := newTestCache(t, hybrid.WithWriteToDiskOnSet[string, string](true))

	c.Set("a", "hello")
	c.Set("b", "world")
	if err := c.RemoveAll(); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected empty cache after RemoveAll")
	}
	if _, ok := c.Get("b"); ok {
		t.Fatal("expected empty cache after RemoveAll")
	}
}

func TestPreloadBypassesDiskRewrite(t *testing.T) {
	c := newTestCache(t, hybrid.WithWriteToDiskOnSet[string, string](true))
	c.Set("a", "hello", hybrid.SkipMemory())

	c.Preload([]string{"a", "missing"})

	if v, ok := c.GetFromMemory("a"); !ok || v != "hello" {
		t.Fatalf("expected Preload to populate memory, got %q, %v", v, ok)
	}
}

func TestClearMemoryAndClearDiskAreIndependent(t *testing.T) {
	c := newTestCache(t, hybrid.WithWriteToDiskOnSet[string, string](true))
	c.Set("a", "hello")

	c.ClearMemory()
	if _, ok := c.GetFromMemory("a"); ok {
		t.Fatal("expected memory cleared")
	}
	if _, ok := c.GetFromDisk("a"); !ok {
		t.Fatal("expected disk untouched by ClearMemory")
	}

	c.ClearDisk()
	if _, ok := c.GetFromDisk("a"); ok {
		t.Fatal("expected disk cleared")
	}
}

func TestStatsCountMemoryDiskAndMissIndependently(t *testing.T) {
	c := newTestCache(t,
		hybrid.WithWriteToDiskOnSet[string, string](true),
		hybrid.WithPromoteOnDiskHit[string, string](false),
	)

	c.Set("a", "hello")
	c.Get("a") // memory hit

	c.ClearMemory()
	c.Get("a") // disk hit

	c.Get("missing") // miss

	stats := c.Stats()
	if stats.MemoryHits != 1 || stats.DiskHits != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestGetFromMemoryCountsAsMemoryHit(t *testing.T) {
	c := newTestCache(t,
		hybrid.WithWriteToDiskOnSet[string, string](true),
		hybrid.WithPromoteOnDiskHit[string, string](true),
	)

	c.Set("a", "hello", hybrid.SkipMemory())
	if _, _, ok := c.GetWithSource("a"); !ok {
		t.Fatal("expected disk hit to promote value into memory")
	}

	if v, ok := c.GetFromMemory("a"); !ok || v != "hello" {
		t.Fatalf("GetFromMemory(a) = %q, %v", v, ok)
	}

	stats := c.Stats()
	if stats.DiskHits != 1 {
		t.Fatalf("expected 1 disk hit from the promoting GetWithSource call, got %d", stats.DiskHits)
	}
	if stats.MemoryHits != 1 {
		t.Fatalf("expected 1 memory hit from the follow-up GetFromMemory call, got %d", stats.MemoryHits)
	}
}

func TestCloseStopsBothJanitors(t *testing.T) {
	c := newTestCache(t, hybrid.WithCleanupInterval[string, string](time.Millisecond))
	c.Set("a", "hello")
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil { // must not panic or block on double close
		t.Fatal(err)
	}
}

func TestWithMetricsRegistersCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newTestCache(t,
		hybrid.WithWriteToDiskOnSet[string, string](true),
		hybrid.WithMetrics[string, string](reg, "hybrid"),
	)

	c.Set("a", "hello")
	c.Get("a")
	c.Get("missing")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	byName := make(map[string]float64)
	for _, mf := range families {
		byName[mf.GetName()] = mf.GetMetric()[0].GetCounter().GetValue()
	}
	if byName["tierbox_hybrid_memory_hits_total"] != 1 {
		t.Fatalf("expected 1 memory hit, got %v", byName["tierbox_hybrid_memory_hits_total"])
	}
	if byName["tierbox_hybrid_misses_total"] != 1 {
		t.Fatalf("expected 1 miss, got %v", byName["tierbox_hybrid_misses_total"])
	}
}
