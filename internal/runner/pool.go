package runner

import "sync"

// Slot is the triple of numeric resources reserved for one VNC session:
// an X display number, an RFB port for the VNC server and a local port
// for the WS↔TCP adapter.
type Slot struct {
	Display int
	VNCPort int
	WSPort  int
}

// ResourcePool hands out Slots from three parallel FIFO queues. Released
// numbers go to the back of their queue so a port that may still be in
// TIME_WAIT is not immediately reused.
type ResourcePool struct {
	mu       sync.Mutex
	displays []int
	vncPorts []int
	wsPorts  []int
	active   map[Slot]struct{}
}

// NewResourcePool builds a pool from three inclusive ranges.
func NewResourcePool(displayMin, displayMax, vncMin, vncMax, wsMin, wsMax int) *ResourcePool {
	p := &ResourcePool{active: make(map[Slot]struct{})}
	for d := displayMin; d <= displayMax; d++ {
		p.displays = append(p.displays, d)
	}
	for v := vncMin; v <= vncMax; v++ {
		p.vncPorts = append(p.vncPorts, v)
	}
	for w := wsMin; w <= wsMax; w++ {
		p.wsPorts = append(p.wsPorts, w)
	}
	return p
}

// Acquire reserves a display/port triple. It returns ErrNoCapacity when
// any of the three queues is empty.
func (p *ResourcePool) Acquire() (Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.displays) == 0 || len(p.vncPorts) == 0 || len(p.wsPorts) == 0 {
		return Slot{}, ErrNoCapacity
	}
	slot := Slot{
		Display: p.displays[0],
		VNCPort: p.vncPorts[0],
		WSPort:  p.wsPorts[0],
	}
	p.displays = p.displays[1:]
	p.vncPorts = p.vncPorts[1:]
	p.wsPorts = p.wsPorts[1:]
	p.active[slot] = struct{}{}
	return slot, nil
}

// Release returns a slot to the pool. Releasing a slot that is not
// currently active is a no-op, so teardown paths can release
// unconditionally.
func (p *ResourcePool) Release(slot Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[slot]; !ok {
		return
	}
	delete(p.active, slot)
	p.displays = append(p.displays, slot.Display)
	p.vncPorts = append(p.vncPorts, slot.VNCPort)
	p.wsPorts = append(p.wsPorts, slot.WSPort)
}

// Active reports how many slots are currently reserved.
func (p *ResourcePool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
