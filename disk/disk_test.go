package disk_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arka-mehta/tierbox/codec"
	"github.com/arka-mehta/tierbox/disk"
	"github.com/arka-mehta/tierbox/expire"
	"github.com/arka-mehta/tierbox/internal/clock"
)

func newTestCache(t *testing.T, opts ...disk.Option[string]) *disk.Cache[string] {
	t.Helper()
	base := t.TempDir()
	allOpts := append([]disk.Option[string]{disk.WithCodec[string](codec.JSON[string]())}, opts...)
	c, err := disk.New[string](base, "tier", allOpts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(t)
	if err := c.Set("a", "hello"); err != nil {
		t.Fatal(err)
	}
	v, ok := c.Get("a")
	if !ok || v != "hello" {
		t.Fatalf("Get(a) = %q, %v", v, ok)
	}
}

func TestGetMissing(t *testing.T) {
	c := newTestCache(t)
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss")
	}
}

func TestRemove(t *testing.T) {
	c := newTestCache(t)
	c.Set("a", "hello")
	if err := c.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss after remove")
	}
}

func TestRemoveAll(t *testing.T) {
	c := newTestCache(t)
	c.Set("a", "hello")
	c.Set("b", "world")
	if err := c.RemoveAll(); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected empty cache after RemoveAll")
	}
	if c.Stats().Items != 0 {
		t.Fatalf("expected 0 items, got %d", c.Stats().Items)
	}
}

func TestExpirationRemovesOnGet(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	c := newTestCache(t, disk.WithClock[string](fake))

	c.Set("a", "hello", disk.WithExpiration(expire.After(time.Minute)))
	if !c.Contains("a") {
		t.Fatal("expected present before deadline")
	}

	fake.Advance(2 * time.Minute)
	if c.Contains("a") {
		t.Fatal("expected expired after deadline")
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss after expiration")
	}
}

func TestRemoveExpiredSweep(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	c := newTestCache(t, disk.WithClock[string](fake))

	c.Set("a", "hello", disk.WithExpiration(expire.After(time.Minute)))
	c.Set("b", "world", disk.WithExpiration(expire.After(time.Hour)))

	fake.Advance(2 * time.Minute)
	n := c.RemoveExpired()
	if n != 1 {
		t.Fatalf("expected 1 expired record removed, got %d", n)
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("expected b to survive the sweep")
	}
}

func TestEvictionToFitByBytes(t *testing.T) {
	c := newTestCache(t, disk.WithMaxBytes[string](3))
	if err := c.Set("a", "x"); err != nil {
		t.Fatal(err)
	}
	if err := c.Set("b", "y"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a to have been evicted to make room for b")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("expected b to be present")
	}
}

func TestVerifyIntegrityOnCleanCacheRemovesNothing(t *testing.T) {
	c := newTestCache(t)
	c.Set("a", "hello")

	if err := c.Remove("a"); err != nil {
		t.Fatal(err)
	}
	// VerifyIntegrity on a clean cache should find nothing to remove.
	if n := c.VerifyIntegrity(); n != 0 {
		t.Fatalf("expected 0 divergent records, got %d", n)
	}
}

func TestComputeDiskUsage(t *testing.T) {
	c := newTestCache(t)
	c.Set("a", "hello")

	usage, err := c.ComputeDiskUsage()
	if err != nil {
		t.Fatal(err)
	}
	if usage <= 0 {
		t.Fatalf("expected positive disk usage, got %d", usage)
	}
}

func TestEvictPercentage(t *testing.T) {
	c := newTestCache(t)
	for i := 0; i < 10; i++ {
		c.Set(string(rune('a'+i)), "value")
	}

	evicted := c.EvictPercentage(50)
	if evicted != 5 {
		t.Fatalf("expected 5 records evicted, got %d", evicted)
	}
}

func TestWithMetricsRegistersCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newTestCache(t, disk.WithMetrics[string](reg, "disk"))
	c.Set("a", "hello")
	c.Get("a")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestGetOnMissingFileLeavesRecordForVerifyIntegrity(t *testing.T) {
	base := t.TempDir()
	c, err := disk.New[string](base, "tier", disk.WithCodec[string](codec.JSON[string]()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.Set("a", "hello")

	dataDir := filepath.Join(base, "tier", "data")
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 blob file, got %d", len(entries))
	}
	if err := os.Remove(filepath.Join(dataDir, entries[0].Name())); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss after file deleted out-of-band")
	}
	if c.Stats().Evictions != 0 {
		t.Fatalf("expected Get not to count an eviction for a missing file, got %d", c.Stats().Evictions)
	}

	if n := c.VerifyIntegrity(); n != 1 {
		t.Fatalf("expected VerifyIntegrity to find 1 divergent record, got %d", n)
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("expected exactly 1 integrity eviction, got %d", c.Stats().Evictions)
	}
}

func TestReopenSurvivesRestart(t *testing.T) {
	base := t.TempDir()
	c1, err := disk.New[string](base, "tier", disk.WithCodec[string](codec.JSON[string]()))
	if err != nil {
		t.Fatal(err)
	}
	c1.Set("a", "hello")
	c1.Close()

	c2, err := disk.New[string](base, "tier", disk.WithCodec[string](codec.JSON[string]()))
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	v, ok := c2.Get("a")
	if !ok || v != "hello" {
		t.Fatalf("expected a=hello to survive restart, got %q, %v", v, ok)
	}
}

func TestVerifyIntegrityRemovesOrphanFiles(t *testing.T) {
	base := t.TempDir()
	c, err := disk.New[string](base, "tier", disk.WithCodec[string](codec.JSON[string]()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.Set("a", "hello")

	dataDir := filepath.Join(base, "tier", "data")
	orphan := filepath.Join(dataDir, "deadbeef.blob")
	if err := os.WriteFile(orphan, []byte("stray"), 0664); err != nil {
		t.Fatal(err)
	}

	if n := c.VerifyIntegrity(); n != 1 {
		t.Fatalf("expected 1 orphan removal, got %d", n)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatal("expected orphan file to be deleted")
	}
	if v, ok := c.Get("a"); !ok || v != "hello" {
		t.Fatalf("expected the recorded entry to survive, got %q, %v", v, ok)
	}
}
