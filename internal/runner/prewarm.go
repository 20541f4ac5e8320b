package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/camofleet/camofleet/internal/api"
)

// browserStarter and displayStarter abstract the subprocess plumbing so
// the pool and manager can be exercised without real processes.
type browserStarter interface {
	available() bool
	launch(ctx context.Context, headless bool, display string, proxy *api.ProxyConfig) (*browserServer, error)
}

type displayStarter interface {
	start(ctx context.Context) (*vncSession, error)
	stop(*vncSession)
}

// prewarmed is a browser server held ready for the next create call,
// paired with its display chain for interactive entries.
type prewarmed struct {
	server   *browserServer
	vnc      *vncSession
	headless bool
}

// prewarmPool keeps warm browser servers so session creation skips the
// cold start. Interactive entries own a display chain as well.
type prewarmPool struct {
	logger         *slog.Logger
	browser        browserStarter
	display        displayStarter
	headlessTarget int
	vncTarget      int
	interval       time.Duration

	// mu guards the two stacks; topUpMu keeps at most one top-up
	// round in flight.
	mu       sync.Mutex
	headless []*prewarmed
	vnc      []*prewarmed
	topUpMu  sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPrewarmPool(logger *slog.Logger, browser browserStarter, display displayStarter, headlessTarget, vncTarget int, interval time.Duration) *prewarmPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &prewarmPool{
		logger:         logger.With("component", "prewarm"),
		browser:        browser,
		display:        display,
		headlessTarget: headlessTarget,
		vncTarget:      vncTarget,
		interval:       interval,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// start launches the periodic top-up loop when any target is non-zero.
func (p *prewarmPool) start() {
	if p.headlessTarget <= 0 && p.vncTarget <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			p.topUp()
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// acquire pops a matching entry, or nil when none is ready. Interactive
// requests only match interactive entries; headless requests only match
// headless ones.
func (p *prewarmPool) acquire(vnc, headless bool) *prewarmed {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vnc && len(p.vnc) > 0 {
		item := p.vnc[len(p.vnc)-1]
		p.vnc = p.vnc[:len(p.vnc)-1]
		return item
	}
	if !vnc && headless && len(p.headless) > 0 {
		item := p.headless[len(p.headless)-1]
		p.headless = p.headless[:len(p.headless)-1]
		return item
	}
	return nil
}

// scheduleTopUp kicks one asynchronous top-up round.
func (p *prewarmPool) scheduleTopUp() {
	if p.ctx.Err() != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.topUp()
	}()
}

// topUp replenishes both stacks to their targets. A launch failure ends
// the round; the loop retries on its next tick.
func (p *prewarmPool) topUp() {
	p.topUpMu.Lock()
	defer p.topUpMu.Unlock()
	if p.ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	needHeadless := p.headlessTarget - len(p.headless)
	needVNC := p.vncTarget - len(p.vnc)
	p.mu.Unlock()

	for i := 0; i < needHeadless; i++ {
		server, err := p.browser.launch(p.ctx, true, "", nil)
		if err != nil {
			p.logger.Warn("failed to prewarm headless server", "error", err)
			break
		}
		p.mu.Lock()
		p.headless = append(p.headless, &prewarmed{server: server, headless: true})
		p.mu.Unlock()
	}
	for i := 0; i < needVNC; i++ {
		vnc, err := p.display.start(p.ctx)
		if err != nil {
			p.logger.Warn("failed to prewarm VNC display", "error", err)
			break
		}
		server, err := p.browser.launch(p.ctx, false, vnc.display, nil)
		if err != nil {
			p.logger.Warn("failed to prewarm VNC server", "error", err)
			p.display.stop(vnc)
			break
		}
		p.mu.Lock()
		p.vnc = append(p.vnc, &prewarmed{server: server, vnc: vnc})
		p.mu.Unlock()
	}
}

// counts reports the current stack sizes.
func (p *prewarmPool) counts() (headless, vnc int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.headless), len(p.vnc)
}

// close stops the loop and releases every warm entry.
func (p *prewarmPool) close() {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	drained := make([]*prewarmed, 0, len(p.headless)+len(p.vnc))
	drained = append(drained, p.headless...)
	drained = append(drained, p.vnc...)
	p.headless, p.vnc = nil, nil
	p.mu.Unlock()

	for _, item := range drained {
		item.server.close(p.logger)
		p.display.stop(item.vnc)
	}
}
