// Package control implements the fleet-facing API: it routes session
// requests across the configured workers and re-exports their sessions
// under a single public surface.
package control

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/camofleet/camofleet/internal/config"
)

var (
	// ErrNoWorkers is returned when selection has no candidates left.
	ErrNoWorkers = errors.New("control: no workers configured")
	// ErrWorkerNotFound is returned when a requested worker name does
	// not match any candidate.
	ErrWorkerNotFound = errors.New("control: worker not found")
)

// dispatcher owns the worker set: selection for new sessions and one
// pooled HTTP client per worker.
type dispatcher struct {
	workers []config.WorkerEntry
	clients map[string]*workerClient
	rr      atomic.Uint64
}

func newDispatcher(workers []config.WorkerEntry, timeout time.Duration) *dispatcher {
	d := &dispatcher{
		workers: workers,
		clients: make(map[string]*workerClient, len(workers)),
	}
	for _, entry := range workers {
		d.clients[entry.Name] = newWorkerClient(entry, timeout)
	}
	return d
}

func (d *dispatcher) close() {
	for _, client := range d.clients {
		client.close()
	}
}

func (d *dispatcher) entries() []config.WorkerEntry { return d.workers }

// lookup resolves a worker name to its entry and client.
func (d *dispatcher) lookup(name string) (config.WorkerEntry, *workerClient, bool) {
	client, ok := d.clients[name]
	if !ok {
		return config.WorkerEntry{}, nil, false
	}
	return client.entry, client, true
}

// pick selects the worker for a new session. VNC sessions only consider
// workers that support VNC; a preferred name must match within that set.
// Otherwise candidates rotate round-robin; the counter wraps and every
// candidate stays selectable indefinitely.
func (d *dispatcher) pick(preferred string, requireVNC bool) (config.WorkerEntry, error) {
	candidates := d.workers
	if requireVNC {
		filtered := make([]config.WorkerEntry, 0, len(d.workers))
		for _, entry := range d.workers {
			if entry.SupportsVNC {
				filtered = append(filtered, entry)
			}
		}
		candidates = filtered
	}
	if preferred != "" {
		for _, entry := range candidates {
			if entry.Name == preferred {
				return entry, nil
			}
		}
		return config.WorkerEntry{}, ErrWorkerNotFound
	}
	if len(candidates) == 0 {
		return config.WorkerEntry{}, ErrNoWorkers
	}
	next := d.rr.Add(1) - 1
	return candidates[next%uint64(len(candidates))], nil
}
