package memory

import (
	"errors"
	"testing"
)

func TestManagerReusesBuffers(t *testing.T) {
	m := NewManager(4)

	buf := m.Get(100)
	if len(buf) != 100 {
		t.Fatalf("expected length 100, got %d", len(buf))
	}
	if cap(buf) != 1<<10 {
		t.Fatalf("expected tier capacity %d, got %d", 1<<10, cap(buf))
	}
	buf[0] = 42
	m.Put(buf)

	again := m.Get(200)
	if len(again) != 200 {
		t.Fatalf("expected length 200, got %d", len(again))
	}
	if again[0] != 0 {
		t.Errorf("reused buffer was not zeroed")
	}

	stats := m.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %+v", stats)
	}
}

func TestManagerEmptyCache(t *testing.T) {
	m := NewManager(4)
	m.Put(m.Get(10))
	m.Put(m.Get(5000))

	if got := m.Stats().CachedBuffers; got != 2 {
		t.Fatalf("expected 2 cached buffers, got %d", got)
	}
	if released := m.EmptyCache(); released != 2 {
		t.Errorf("expected 2 released buffers, got %d", released)
	}
	if got := m.Stats().CachedBuffers; got != 0 {
		t.Errorf("expected empty cache, got %d buffers", got)
	}
}

func TestManagerRejectsForeignCapacity(t *testing.T) {
	m := NewManager(4)
	m.Put(make([]float64, 10, 13))
	if got := m.Stats().CachedBuffers; got != 0 {
		t.Errorf("expected foreign buffer to be dropped, got %d cached", got)
	}
}

func TestSelectDevice(t *testing.T) {
	for _, name := range []string{"", "auto", "CPU"} {
		d, err := SelectDevice(name)
		if err != nil {
			t.Fatalf("SelectDevice(%q) failed: %v", name, err)
		}
		if d.Type != CPU {
			t.Errorf("SelectDevice(%q) type = %s", name, d.Type)
		}
		if d.DefaultWorkers() < 1 {
			t.Errorf("DefaultWorkers must be at least 1")
		}
	}

	if _, err := SelectDevice("cuda"); !errors.Is(err, ErrUnsupportedDevice) {
		t.Errorf("expected ErrUnsupportedDevice, got %v", err)
	}
}
