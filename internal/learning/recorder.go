// Package learning records the outcome of every target resolution and keeps
// per-route success tallies that bias future fuzzy matching. Recording is
// a best-effort side channel: it never blocks and never fails an action.
package learning

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/rocker/api/schemas"
	"github.com/xkilldash9x/rocker/internal/config"
)

const (
	batchSize     = 32
	flushInterval = 500 * time.Millisecond
	writeTimeout  = 5 * time.Second
)

// Recorder queues learning signals for persistence and serves tallies.
type Recorder struct {
	store   schemas.LearningStore
	logger  *zap.Logger
	limiter *rate.Limiter
	queue   chan schemas.LearningSignal
	now     func() time.Time

	mu      sync.RWMutex
	tallies map[string]map[string]int
	warmed  map[string]bool

	dropped atomic.Int64
	written atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRecorder creates a Recorder. store may be nil, in which case signals
// only feed the in-process tallies.
func NewRecorder(store schemas.LearningStore, cfg config.LearningConfig, logger *zap.Logger) *Recorder {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	limit := rate.Limit(cfg.RatePerSec)
	if cfg.RatePerSec <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = size
	}
	return &Recorder{
		store:    store,
		logger:   logger.Named("learning"),
		limiter:  rate.NewLimiter(limit, burst),
		queue:    make(chan schemas.LearningSignal, size),
		now:      time.Now,
		tallies:  make(map[string]map[string]int),
		warmed:   make(map[string]bool),
		stopChan: make(chan struct{}),
	}
}

// Start launches the background writer.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop flushes what is queued and waits for the writer to exit.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Record notes the outcome of resolving target on route. It returns
// immediately; a full queue or an exhausted rate budget drops the signal
// from persistence but the local tally is always updated.
func (r *Recorder) Record(target, route string, success bool, source string) {
	sig := schemas.LearningSignal{
		Target:  schemas.NormalizeName(target),
		Route:   route,
		Success: success,
		Source:  source,
		At:      r.now().UTC(),
	}
	if sig.Target == "" {
		return
	}
	if success {
		r.mu.Lock()
		r.bump(sig.Route, sig.Target, 1)
		r.mu.Unlock()
	}

	if r.store == nil {
		return
	}
	if !r.limiter.Allow() {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- sig:
	default:
		r.dropped.Add(1)
	}
}

// SuccessCounts returns the success tally per target name for route. The
// first query for a route seeds the tally from the store.
func (r *Recorder) SuccessCounts(ctx context.Context, route string) map[string]int {
	r.warm(ctx, route)

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.tallies[route]))
	for k, v := range r.tallies[route] {
		out[k] = v
	}
	return out
}

// Stats reports how many signals were persisted and dropped.
func (r *Recorder) Stats() (written, dropped int64) {
	return r.written.Load(), r.dropped.Load()
}

func (r *Recorder) bump(route, target string, n int) {
	m, ok := r.tallies[route]
	if !ok {
		m = make(map[string]int)
		r.tallies[route] = m
	}
	m[target] += n
}

func (r *Recorder) warm(ctx context.Context, route string) {
	if r.store == nil {
		return
	}
	r.mu.RLock()
	done := r.warmed[route]
	r.mu.RUnlock()
	if done {
		return
	}

	counts, err := r.store.SuccessCounts(ctx, route)
	if err != nil {
		r.logger.Warn("Could not load success tallies; ranking without history.",
			zap.String("route", route), zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.warmed[route] {
		return
	}
	r.warmed[route] = true
	for target, n := range counts {
		r.bump(route, target, n)
	}
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]schemas.LearningSignal, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Persistence must not be cut short by the caller going away.
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()
		if err := r.store.RecordSignals(writeCtx, batch); err != nil {
			r.logger.Warn("Failed to persist learning signals.", zap.Int("count", len(batch)), zap.Error(err))
			r.dropped.Add(int64(len(batch)))
		} else {
			r.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case sig := <-r.queue:
			batch = append(batch, sig)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			r.drain(&batch)
			flush()
			return
		case <-r.stopChan:
			r.drain(&batch)
			flush()
			return
		}
	}
}

func (r *Recorder) drain(batch *[]schemas.LearningSignal) {
	for {
		select {
		case sig := <-r.queue:
			*batch = append(*batch, sig)
		default:
			return
		}
	}
}
