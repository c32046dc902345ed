// internal/browser/pool.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelworks/sitewright/internal/config"
)

// LaunchFunc starts one browser engine process and returns its browser
// context plus a cancel that tears the whole process down. Injectable so the
// pool's bookkeeping is testable without Chrome.
type LaunchFunc func(parent context.Context) (context.Context, context.CancelFunc, error)

// NewTabFunc opens an isolated browsing context (a tab) inside a running
// instance's browser context.
type NewTabFunc func(browserCtx context.Context) (context.Context, context.CancelFunc, error)

// instance is a running browser engine process, exclusively owned by the
// pool.
type instance struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	busy      bool
	temporary bool
	lastUsed  time.Time
}

// Lease is the exclusive right to operate one browsing context until
// released. It holds a non-owning back-reference to its instance.
type Lease struct {
	ID        string
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	inst   *instance
}

// Context returns the lease's tab context. All page operations for this
// lease run against it.
func (l *Lease) Context() context.Context {
	return l.ctx
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	PoolSize     int `json:"pool_size"`
	BusyPooled   int `json:"busy_pooled"`
	Temporary    int `json:"temporary"`
	ActiveLeases int `json:"active_leases"`
}

// Pool launches, leases, and reclaims a bounded set of browser engine
// instances. Acquisition never blocks: when every pooled instance is busy the
// pool launches exactly one temporary overflow instance, trading bounded
// resource use for liveness. Pair with ReapIdle and caller-side concurrency
// limits.
type Pool struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	launch LaunchFunc
	newTab NewTabFunc

	mu        sync.Mutex
	baseCtx   context.Context
	instances []*instance
	leases    map[string]*Lease
	started   bool
	closed    bool
}

// NewPool creates a pool wired to real Chrome via chromedp. Nothing is
// launched until Initialize.
func NewPool(cfg config.BrowserConfig, logger *zap.Logger) *Pool {
	return NewPoolWithEngine(cfg, logger, chromeLaunch(cfg), chromeNewTab)
}

// NewPoolWithEngine creates a pool over a custom engine lifecycle. Tests use
// it to exercise the pool's bookkeeping without launching Chrome.
func NewPoolWithEngine(cfg config.BrowserConfig, logger *zap.Logger, launch LaunchFunc, newTab NewTabFunc) *Pool {
	return &Pool{
		cfg:    cfg,
		logger: logger.Named("pool"),
		launch: launch,
		newTab: newTab,
		leases: make(map[string]*Lease),
	}
}

// Initialize eagerly launches the configured number of instances. Any launch
// failure tears down whatever already started and is returned as a fatal
// error: the pool never runs partially warmed.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool already initialized")
	}
	p.started = true
	// Instances must survive the caller's Initialize deadline; they live
	// until Shutdown.
	p.baseCtx = Detach(ctx)
	base := p.baseCtx
	p.mu.Unlock()

	launched := make([]*instance, p.cfg.PoolSize)
	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.PoolSize; i++ {
		g.Go(func() error {
			bctx, cancel, err := p.launch(base)
			if err != nil {
				return fmt.Errorf("failed to launch browser instance: %w", err)
			}
			launched[i] = &instance{
				id:       uuid.NewString(),
				ctx:      bctx,
				cancel:   cancel,
				lastUsed: time.Now(),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, inst := range launched {
			if inst != nil {
				inst.cancel()
			}
		}
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	p.instances = launched
	p.mu.Unlock()

	p.logger.Info("Browser pool warmed up.", zap.Int("pool_size", p.cfg.PoolSize))
	return nil
}

// Acquire returns a lease on an idle pooled instance, or launches a
// temporary overflow instance when none is idle. It never blocks waiting for
// a release.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if !p.started || p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool is not running")
	}

	var chosen *instance
	for _, inst := range p.instances {
		if !inst.busy {
			chosen = inst
			inst.busy = true
			break
		}
	}
	base := p.baseCtx
	p.mu.Unlock()

	if chosen == nil {
		// Overflow: one temporary instance, closed entirely on release.
		bctx, cancel, err := p.launch(base)
		if err != nil {
			return nil, fmt.Errorf("failed to launch overflow instance: %w", err)
		}
		chosen = &instance{
			id:        uuid.NewString(),
			ctx:       bctx,
			cancel:    cancel,
			busy:      true,
			temporary: true,
			lastUsed:  time.Now(),
		}
		p.logger.Debug("Launched temporary overflow instance.", zap.String("instance_id", chosen.id))
	}

	tabCtx, tabCancel, err := p.newTab(chosen.ctx)
	if err != nil {
		p.unwind(chosen)
		return nil, fmt.Errorf("failed to open browsing context: %w", err)
	}

	lease := &Lease{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		ctx:       tabCtx,
		cancel:    tabCancel,
		inst:      chosen,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		tabCancel()
		p.unwind(chosen)
		return nil, fmt.Errorf("pool is shutting down")
	}
	if chosen.temporary {
		p.instances = append(p.instances, chosen)
	}
	p.leases[lease.ID] = lease
	p.mu.Unlock()

	p.logger.Debug("Lease acquired.",
		zap.String("lease_id", lease.ID),
		zap.String("instance_id", chosen.id),
		zap.Bool("temporary", chosen.temporary))
	return lease, nil
}

// unwind returns an instance to a sane state after a failed acquisition.
func (p *Pool) unwind(inst *instance) {
	if inst.temporary {
		inst.cancel()
		return
	}
	p.mu.Lock()
	inst.busy = false
	p.mu.Unlock()
}

// Release closes the lease's browsing context. A lease on a temporary
// instance closes that instance entirely; a pooled instance is marked idle
// again. Releasing an unknown or already-released lease is an error.
func (p *Pool) Release(leaseID string) error {
	p.mu.Lock()
	lease, ok := p.leases[leaseID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown lease %q", leaseID)
	}
	delete(p.leases, leaseID)
	inst := lease.inst
	if inst.temporary {
		p.instances = removeInstance(p.instances, inst)
	} else {
		inst.busy = false
		inst.lastUsed = time.Now()
	}
	p.mu.Unlock()

	lease.cancel()
	if inst.temporary {
		inst.cancel()
	}

	p.logger.Debug("Lease released.",
		zap.String("lease_id", leaseID),
		zap.Bool("temporary", inst.temporary))
	return nil
}

// ReapIdle force-releases leases whose context has lived longer than
// maxIdle, bounding worst-case resource use from callers that forget to
// release. The forced release skips graceful page teardown but still closes
// the context. Returns the number of leases reclaimed.
func (p *Pool) ReapIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	p.mu.Lock()
	var expired []string
	for id, lease := range p.leases {
		if lease.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	p.mu.Unlock()

	for _, id := range expired {
		if err := p.Release(id); err == nil {
			p.logger.Warn("Reaped idle lease.", zap.String("lease_id", id), zap.Duration("max_idle", maxIdle))
		}
	}
	return len(expired)
}

// RunReaper periodically calls ReapIdle until ctx is canceled. Intended to
// run in its own goroutine.
func (p *Pool) RunReaper(ctx context.Context) {
	if p.cfg.ReapInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ReapIdle(p.cfg.MaxLeaseIdle)
		}
	}
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{ActiveLeases: len(p.leases)}
	for _, inst := range p.instances {
		if inst.temporary {
			s.Temporary++
			continue
		}
		s.PoolSize++
		if inst.busy {
			s.BusyPooled++
		}
	}
	return s
}

// Shutdown closes all browsing contexts then all instances. Safe to call
// more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	leases := make([]*Lease, 0, len(p.leases))
	for _, l := range p.leases {
		leases = append(leases, l)
	}
	p.leases = make(map[string]*Lease)
	instances := p.instances
	p.instances = nil
	p.mu.Unlock()

	for _, l := range leases {
		l.cancel()
	}
	for _, inst := range instances {
		inst.cancel()
	}

	p.logger.Info("Browser pool shut down.",
		zap.Int("released_leases", len(leases)),
		zap.Int("closed_instances", len(instances)))
	return nil
}

func removeInstance(list []*instance, target *instance) []*instance {
	for i, inst := range list {
		if inst == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// -- chromedp wiring --

// chromeLaunch builds the default LaunchFunc: a dedicated exec allocator per
// instance so every BrowserInstance is its own Chrome process.
func chromeLaunch(cfg config.BrowserConfig) LaunchFunc {
	return func(parent context.Context) (context.Context, context.CancelFunc, error) {
		opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		if !cfg.Headless {
			opts = append(opts, chromedp.Flag("headless", false))
		}
		opts = append(opts,
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.WindowSize(cfg.ViewportW, cfg.ViewportH),
		)
		for _, arg := range cfg.Args {
			opts = append(opts, chromedp.Flag(arg, true))
		}

		allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)

		// Force the process to start now so launch failures surface here,
		// not on first use.
		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			allocCancel()
			return nil, nil, err
		}

		cancel := func() {
			browserCancel()
			allocCancel()
		}
		return browserCtx, cancel, nil
	}
}

// chromeNewTab opens a fresh tab in an existing instance and connects to its
// target eagerly.
func chromeNewTab(browserCtx context.Context) (context.Context, context.CancelFunc, error) {
	tabCtx, cancel := chromedp.NewContext(browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, nil, err
	}
	return tabCtx, cancel, nil
}
