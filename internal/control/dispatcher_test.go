package control

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/camofleet/camofleet/internal/config"
)

func testEntries() []config.WorkerEntry {
	return []config.WorkerEntry{
		{Name: "alpha", URL: "http://alpha:8080"},
		{Name: "beta", URL: "http://beta:8080", SupportsVNC: true},
		{Name: "gamma", URL: "http://gamma:8080", SupportsVNC: true},
	}
}

func newTestDispatcher(entries []config.WorkerEntry) *dispatcher {
	d := newDispatcher(entries, time.Second)
	return d
}

func TestDispatcherRoundRobin(t *testing.T) {
	d := newTestDispatcher(testEntries())
	t.Cleanup(d.close)

	want := []string{"alpha", "beta", "gamma", "alpha", "beta"}
	for i, name := range want {
		entry, err := d.pick("", false)
		if err != nil {
			t.Fatalf("pick #%d error = %v", i, err)
		}
		if entry.Name != name {
			t.Errorf("pick #%d = %q, want %q", i, entry.Name, name)
		}
	}
}

func TestDispatcherCounterWraps(t *testing.T) {
	d := newTestDispatcher(testEntries())
	t.Cleanup(d.close)
	d.rr.Store(math.MaxUint64)

	for i := 0; i < 6; i++ {
		if _, err := d.pick("", false); err != nil {
			t.Fatalf("pick #%d after wrap error = %v", i, err)
		}
	}
}

func TestDispatcherVNCFilter(t *testing.T) {
	d := newTestDispatcher(testEntries())
	t.Cleanup(d.close)

	for i := 0; i < 4; i++ {
		entry, err := d.pick("", true)
		if err != nil {
			t.Fatalf("pick #%d error = %v", i, err)
		}
		if !entry.SupportsVNC {
			t.Errorf("pick #%d = %q, which does not support VNC", i, entry.Name)
		}
	}
}

func TestDispatcherPreferred(t *testing.T) {
	d := newTestDispatcher(testEntries())
	t.Cleanup(d.close)

	t.Run("exact match", func(t *testing.T) {
		entry, err := d.pick("gamma", false)
		if err != nil {
			t.Fatalf("pick error = %v", err)
		}
		if entry.Name != "gamma" {
			t.Errorf("pick = %q, want gamma", entry.Name)
		}
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := d.pick("ghost", false)
		if !errors.Is(err, ErrWorkerNotFound) {
			t.Errorf("pick error = %v, want ErrWorkerNotFound", err)
		}
	})

	t.Run("preferred must pass the VNC filter", func(t *testing.T) {
		_, err := d.pick("alpha", true)
		if !errors.Is(err, ErrWorkerNotFound) {
			t.Errorf("pick error = %v, want ErrWorkerNotFound", err)
		}
	})
}

func TestDispatcherEmptySets(t *testing.T) {
	t.Run("no workers", func(t *testing.T) {
		d := newTestDispatcher(nil)
		t.Cleanup(d.close)
		if _, err := d.pick("", false); !errors.Is(err, ErrNoWorkers) {
			t.Errorf("pick error = %v, want ErrNoWorkers", err)
		}
	})

	t.Run("no VNC workers", func(t *testing.T) {
		d := newTestDispatcher([]config.WorkerEntry{{Name: "alpha", URL: "http://alpha:8080"}})
		t.Cleanup(d.close)
		if _, err := d.pick("", true); !errors.Is(err, ErrNoWorkers) {
			t.Errorf("pick error = %v, want ErrNoWorkers", err)
		}
	})
}

func TestDispatcherLookup(t *testing.T) {
	d := newTestDispatcher(testEntries())
	t.Cleanup(d.close)

	entry, client, ok := d.lookup("beta")
	if !ok || client == nil {
		t.Fatalf("lookup(beta) = (%v, %v, %v), want hit", entry, client, ok)
	}
	if entry.Name != "beta" || !entry.SupportsVNC {
		t.Errorf("entry = %+v, want beta with VNC", entry)
	}
	if _, _, ok := d.lookup("ghost"); ok {
		t.Errorf("lookup(ghost) succeeded, want miss")
	}
}
