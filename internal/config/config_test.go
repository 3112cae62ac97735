package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestDefault_FusionWindowNonZero(t *testing.T) {
	s := Default()
	if s.Fusion.WindowMs <= 0 {
		t.Fatal("expected positive default window")
	}
	if s.Persistence.DLQMaxRetries <= 0 {
		t.Fatal("expected positive default DLQ max retries")
	}
}

func TestHolder_ApplyReplacesSettings(t *testing.T) {
	h := NewHolder(Default())
	updated := Default()
	updated.Fusion.WindowMs = 12345
	h.Apply(updated)
	if got := h.Get().Fusion.WindowMs; got != 12345 {
		t.Fatalf("expected 12345, got %d", got)
	}
}

func TestLoadFileOverlay_OverridesOnlyNamedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	yaml := "fusion:\n  window_ms: 9000\nbroadcast:\n  geohash_precision: 7\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	base := Default()
	got, err := LoadFileOverlay(path, base)
	if err != nil {
		t.Fatalf("LoadFileOverlay: %v", err)
	}
	if got.Fusion.WindowMs != 9000 {
		t.Fatalf("expected overridden window_ms=9000, got %d", got.Fusion.WindowMs)
	}
	if got.Broadcast.GeohashPrecision != 7 {
		t.Fatalf("expected overridden geohash_precision=7, got %d", got.Broadcast.GeohashPrecision)
	}
	if got.Fusion.AllowedLatenessMs != base.Fusion.AllowedLatenessMs {
		t.Fatalf("expected untouched field to keep base value %d, got %d",
			base.Fusion.AllowedLatenessMs, got.Fusion.AllowedLatenessMs)
	}
}

func TestLoadFileOverlay_MissingFileReturnsBaseAndError(t *testing.T) {
	base := Default()
	got, err := LoadFileOverlay(filepath.Join(t.TempDir(), "nope.yaml"), base)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if got != base {
		t.Fatal("expected base settings returned unchanged on error")
	}
}

func TestHolder_ConcurrentGetApply(t *testing.T) {
	h := NewHolder(Default())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.Get()
		}()
		go func(n int64) {
			defer wg.Done()
			s := Default()
			s.Fusion.WindowMs = n
			h.Apply(s)
		}(int64(i))
	}
	wg.Wait()
}
