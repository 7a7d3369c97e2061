// Package render schedules page renders off the interactive thread.
//
// Each (document, page) pair owns a slot with a generation counter. Every
// request bumps the generation and cancels the previous job's context; a
// result is delivered only if its generation still matches when the
// interactive thread drains the completion queue. Results are cached as soon
// as they are produced, delivered or not.
//
// Typical use from an event loop:
//
//	s := render.NewScheduler(c, render.DefaultConfig())
//	defer s.Close()
//	s.RequestRender(h, page, dpi, func(r render.Result) { ... })
//	for range s.Ready() {
//		s.Drain()
//	}
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/pagedeck/cache"
	"github.com/wudi/pagedeck/docsource"
	"github.com/wudi/pagedeck/observability"
)

// Result is the outcome of one render. Err wraps docsource.ErrRender.
type Result struct {
	Key   cache.Key
	Image image.Image
	Err   error
}

// Config tunes a Scheduler.
type Config struct {
	// Prefetch enables rendering page±1 after a delivered render.
	Prefetch bool
	// PrefetchWorkers bounds concurrent prefetch renders. Prefetches that
	// find no free worker are skipped.
	PrefetchWorkers int64
	Logger          observability.Logger
	Tracer          observability.Tracer
}

// DefaultConfig enables prefetch with two workers.
func DefaultConfig() Config {
	return Config{Prefetch: true, PrefetchWorkers: 2}
}

type slotKey struct {
	id   docsource.Identity
	page int
}

type slot struct {
	gen       uint64
	cancelled uint64
	cancel    context.CancelFunc
}

type completion struct {
	// render completions
	slot   slotKey
	gen    uint64
	res    Result
	onDone func(Result)

	// posted continuations
	then func()
}

// Scheduler runs render jobs and queues their completions for Drain.
type Scheduler struct {
	cache  *cache.Cache
	cfg    Config
	log    observability.Logger
	tracer observability.Tracer

	flight singleflight.Group
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  chan struct{}

	mu      sync.Mutex
	closed  bool
	pending int
	slots   map[slotKey]*slot
	queue   []completion
}

// NewScheduler returns a scheduler writing into c.
func NewScheduler(c *cache.Cache, cfg Config) *Scheduler {
	if cfg.PrefetchWorkers <= 0 {
		cfg.PrefetchWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cache:  c,
		cfg:    cfg,
		log:    observability.OrNop(cfg.Logger),
		tracer: observability.TracerOrNop(cfg.Tracer),
		sem:    semaphore.NewWeighted(cfg.PrefetchWorkers),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}, 1),
		slots:  make(map[slotKey]*slot),
	}
}

// Token identifies one request.
type Token struct {
	s    *Scheduler
	slot slotKey
	gen  uint64
}

// Cancel suppresses the request's callback. A render already in progress
// still finishes and its bitmap is still cached.
func (t Token) Cancel() {
	if t.s == nil {
		return
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if sl := t.s.slots[t.slot]; sl != nil && sl.gen == t.gen {
		sl.cancelled = t.gen
		sl.cancel()
	}
}

// RequestRender renders page of h at dpi and calls onDone from Drain. A later
// request for the same page supersedes this one: its onDone is then never
// called. dpi must be a quantized bucket.
func (s *Scheduler) RequestRender(h docsource.Handle, page, dpi int, onDone func(Result)) Token {
	key := cache.Key{ID: h.Identity(), Page: page, DPI: dpi}
	sk := slotKey{id: key.ID, page: page}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Token{}
	}
	sl := s.slots[sk]
	if sl == nil {
		sl = &slot{cancel: func() {}}
		s.slots[sk] = sl
	}
	sl.cancel()
	sl.gen++
	gen := sl.gen
	ctx, cancel := context.WithCancel(s.ctx)
	sl.cancel = cancel
	s.startLocked()
	s.mu.Unlock()

	tok := Token{s: s, slot: sk, gen: gen}

	if img, ok := s.cache.Get(key); ok {
		s.prefetch(h, key)
		s.finish(completion{slot: sk, gen: gen, res: Result{Key: key, Image: img}, onDone: onDone})
		return tok
	}

	epoch := s.cache.Epoch(key.ID, page)
	go func() {
		if ctx.Err() != nil {
			// Superseded before it started.
			s.finish(completion{})
			return
		}
		img, err := s.render(ctx, h, key, epoch, observability.SpanRenderPage)
		// Prefetch is started before this job retires so Pending never
		// drops to zero in between.
		if err == nil && s.current(sk, gen) {
			s.prefetch(h, key)
		}
		s.finish(completion{slot: sk, gen: gen, res: Result{Key: key, Image: img, Err: err}, onDone: onDone})
	}()
	return tok
}

// Post runs task on a background goroutine and queues the continuation it
// returns, if any, for Drain. It reports false after Close.
func (s *Scheduler) Post(task func() func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.startLocked()
	s.mu.Unlock()
	go func() {
		var then func()
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("background task panicked", observability.String("panic", fmt.Sprint(r)))
				}
			}()
			then = task()
		}()
		s.finish(completion{then: then})
	}()
	return true
}

// startLocked accounts for a new goroutine; s.mu must be held and s not
// closed.
func (s *Scheduler) startLocked() {
	s.wg.Add(1)
	s.pending++
}

// finish queues c, if it carries anything to run, and retires its goroutine.
func (s *Scheduler) finish(c completion) {
	s.mu.Lock()
	if c.onDone != nil || c.then != nil {
		s.queue = append(s.queue, c)
	}
	s.pending--
	s.mu.Unlock()
	s.wake()
	s.wg.Done()
}

func (s *Scheduler) wake() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Scheduler) current(sk slotKey, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slots[sk]
	return sl != nil && sl.gen == gen && sl.cancelled != gen
}

// render produces the bitmap for key, coalescing identical renders in flight
// and storing the result in the cache. Only renders started under the same
// epoch are coalesced, so a request made after an invalidation never receives
// a bitmap of the invalidated page.
func (s *Scheduler) render(ctx context.Context, h docsource.Handle, key cache.Key, epoch uint64, span string) (image.Image, error) {
	fk := fmt.Sprintf("%s\x00%x\x00%d\x00%d\x00%d", key.ID.Path, key.ID.Digest, key.Page, key.DPI, epoch)
	v, err, _ := s.flight.Do(fk, func() (any, error) {
		if img, ok := s.cache.Get(key); ok {
			return img, nil
		}
		_, sp := s.tracer.StartSpan(ctx, span)
		defer sp.Finish()
		sp.SetTag("page", key.Page)
		sp.SetTag("dpi", key.DPI)

		start := time.Now()
		img, err := renderPage(h, key.Page, key.DPI)
		elapsed := time.Since(start)
		sp.SetTag(observability.MetricRenderTime, elapsed)
		if err != nil {
			sp.SetError(err)
			return nil, err
		}
		stored := s.cache.PutAt(key, img, epoch)
		cached := s.cache.Stats().Bytes
		sp.SetTag(observability.MetricCacheBytes, cached)
		s.log.Debug("page rendered",
			observability.String("doc", key.ID.String()),
			observability.Int("page", key.Page),
			observability.Int("dpi", key.DPI),
			observability.Duration("elapsed", elapsed),
			observability.Bool("cached", stored),
			observability.Int64("cache_bytes", cached),
		)
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(image.Image), nil
}

func renderPage(h docsource.Handle, page, dpi int) (img image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			img, err = nil, fmt.Errorf("%w: page %d: panic: %v", docsource.ErrRender, page, r)
		}
	}()
	img, err = h.RenderPage(page, dpi)
	if err != nil && !errors.Is(err, docsource.ErrRender) {
		err = fmt.Errorf("%w: page %d: %w", docsource.ErrRender, page, err)
	}
	return img, err
}

// prefetch renders the neighbours of key at the same resolution when they are
// not cached and a prefetch worker is free. Failures are only logged.
func (s *Scheduler) prefetch(h docsource.Handle, key cache.Key) {
	if !s.cfg.Prefetch {
		return
	}
	for _, p := range []int{key.Page + 1, key.Page - 1} {
		if p < 0 || p >= h.PageCount() {
			continue
		}
		nk := cache.Key{ID: key.ID, Page: p, DPI: key.DPI}
		if s.cache.Contains(nk) {
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.log.Debug("prefetch skipped, workers busy", observability.Int("page", p))
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			s.sem.Release(1)
			return
		}
		s.startLocked()
		s.mu.Unlock()

		epoch := s.cache.Epoch(nk.ID, p)
		go func() {
			defer s.sem.Release(1)
			if _, err := s.render(s.ctx, h, nk, epoch, observability.SpanPrefetch); err != nil {
				s.log.Debug("prefetch failed",
					observability.Int("page", nk.Page),
					observability.Int("dpi", nk.DPI),
					observability.Error("error", err),
				)
			}
			s.finish(completion{})
		}()
	}
}

// Ready is signalled whenever completions may be waiting for Drain.
func (s *Scheduler) Ready() <-chan struct{} { return s.ready }

// Drain delivers queued completions on the calling goroutine and returns how
// many callbacks ran. Stale and cancelled render results are discarded.
func (s *Scheduler) Drain() int {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	n := 0
	for _, c := range queue {
		if c.then != nil {
			s.call(func() { c.then() })
			n++
			continue
		}
		if !s.current(c.slot, c.gen) {
			continue
		}
		s.call(func() { c.onDone(c.res) })
		n++
	}
	return n
}

func (s *Scheduler) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("completion callback panicked", observability.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

// Run drains completions until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ready:
			s.Drain()
		}
	}
}

// Pending returns the number of background jobs that have not finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Forget drops the slots of id, suppressing every outstanding callback for it.
func (s *Scheduler) Forget(id docsource.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sk, sl := range s.slots {
		if sk.id == id {
			sl.cancel()
			delete(s.slots, sk)
		}
	}
}

// Close cancels outstanding jobs and waits for them to return. Renders that
// already started run to completion. Queued completions are discarded.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}
