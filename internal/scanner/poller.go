package scanner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Poller rescans the page on a fixed interval, but only while the overlay is
// visible. Hidden overlays cost nothing.
type Poller struct {
	scanner  *Scanner
	interval time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	visible  bool
	latest   []Capability
	subs     map[int]chan []Capability
	nextSub  int
	wake     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPoller creates a Poller. A non-positive interval defaults to two seconds.
func NewPoller(s *Scanner, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		scanner:  s,
		interval: interval,
		logger:   logger.Named("poller"),
		subs:     make(map[int]chan []Capability),
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Start launches the background polling loop. The loop exits when ctx is
// done or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop halts the loop and waits for it to exit. Safe to call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
}

// SetOverlayVisible switches polling on or off. Becoming visible triggers an
// immediate scan instead of waiting for the next tick.
func (p *Poller) SetOverlayVisible(visible bool) {
	p.mu.Lock()
	was := p.visible
	p.visible = visible
	p.mu.Unlock()

	if visible && !was {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// Visible reports whether polling is active.
func (p *Poller) Visible() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.visible
}

// Latest returns the most recent snapshot, or nil before the first scan.
func (p *Poller) Latest() []Capability {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Subscribe returns a channel receiving every new snapshot. Slow subscribers
// only ever see the newest snapshot. The cancel function unsubscribes.
func (p *Poller) Subscribe() (<-chan []Capability, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan []Capability, 1)
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if c, ok := p.subs[id]; ok {
				close(c)
				delete(p.subs, id)
			}
		})
	}
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Debug("Poller started.", zap.Duration("interval", p.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			p.logger.Debug("Poller stopped.")
			return
		case <-p.wake:
			p.tick(ctx)
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.Visible() {
		return
	}
	caps := p.scanner.Scan(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = caps
	for _, ch := range p.subs {
		// Drop a stale unread snapshot in favour of the new one.
		select {
		case <-ch:
		default:
		}
		ch <- caps
	}
}
