package poll

import (
	"container/heap"
	"context"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/depsera/depsera/pkg/store"
)

// drainTimeout bounds how long Stop waits for inflight polls before
// cancelling them.
const drainTimeout = 30 * time.Second

// backoff thresholds for consecutively failing services.
const (
	failureBackoffAfter = 3
	maxBackoffFactor    = 10
)

// Runner executes one poll and resolves the effective interval. The
// production implementation is Executor.
type Runner interface {
	RunOnce(ctx context.Context, serviceID string) error
	Interval(ctx context.Context, svc *store.Service) time.Duration
}

// slot is one service's scheduling state. Owned by the scheduler
// mutex.
type slot struct {
	serviceID string
	next      time.Time
	interval  time.Duration
	failures  int
	inflight  bool
	index     int
}

// slotHeap orders slots by next poll time.
type slotHeap []*slot

func (h slotHeap) Len() int            { return len(h) }
func (h slotHeap) Less(i, j int) bool  { return h[i].next.Before(h[j].next) }
func (h slotHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *slotHeap) Push(x interface{}) { s := x.(*slot); s.index = len(*h); *h = append(*h, s) }
func (h *slotHeap) Pop() interface{} {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}

// SlotInfo is a read-only view of one slot for the status endpoint.
type SlotInfo struct {
	ServiceID string
	NextPoll  time.Time
	Interval  time.Duration
	Failures  int
	Inflight  bool
}

// Scheduler owns the poll timing loop: a min-heap of per-service
// slots, a fixed worker pool, and the single-inflight-per-service
// invariant.
type Scheduler struct {
	store   *store.Store
	runner  Runner
	workers int

	mu    sync.Mutex
	heap  slotHeap
	slots map[string]*slot

	wake    chan struct{}
	work    chan string
	wg      sync.WaitGroup
	loopWG  sync.WaitGroup
	cancel  context.CancelFunc
	started bool

	now func() time.Time
}

// DefaultWorkers sizes the worker pool for the host.
func DefaultWorkers() int {
	n := 4 * runtime.NumCPU()
	if n > 32 {
		n = 32
	}
	return n
}

// NewScheduler creates a scheduler. workers <= 0 selects
// DefaultWorkers().
func NewScheduler(st *store.Store, runner Runner, workers int) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	return &Scheduler{
		store:   st,
		runner:  runner,
		workers: workers,
		slots:   make(map[string]*slot),
		wake:    make(chan struct{}, 1),
		work:    make(chan string),
		now:     time.Now,
	}
}

// Start loads the active services, seeds their slots with startup
// jitter, and launches the timing loop and worker pool.
func (s *Scheduler) Start(ctx context.Context) error {
	services, err := s.store.ListActiveServices(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.mu.Lock()
	for i := range services {
		svc := &services[i]
		interval := s.runner.Interval(ctx, svc)
		// Jitter spreads the first round over the interval so a
		// restart does not burst the whole fleet at once.
		jitter := time.Duration(rand.Int63n(int64(interval) + 1))
		s.addSlotLocked(svc.ID, interval, s.now().Add(jitter))
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx)
	}
	s.loopWG.Add(1)
	go s.loop(runCtx)

	log.Info().
		Int("services", len(services)).
		Int("workers", s.workers).
		Msg("Scheduler started")
	return nil
}

// Stop dispatches no further polls, waits up to the drain timeout for
// inflight ones, then cancels whatever remains.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.poke()

	done := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		close(s.work)
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Warn().Msg("Drain deadline reached, cancelling inflight polls")
	}
	s.cancel()
	<-done
	log.Info().Msg("Scheduler stopped")
}

// loop pops due slots and hands them to the workers, sleeping until
// the earliest next poll in between.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.loopWG.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if !s.started {
			s.mu.Unlock()
			return
		}

		var due []string
		now := s.now()
		for len(s.heap) > 0 && !s.heap[0].next.After(now) {
			sl := s.heap[0]
			if sl.inflight {
				// Reschedule past the running poll; the worker will
				// set the real next time when it finishes.
				sl.next = now.Add(sl.interval)
				heap.Fix(&s.heap, sl.index)
				continue
			}
			sl.inflight = true
			sl.next = now.Add(sl.interval)
			heap.Fix(&s.heap, sl.index)
			due = append(due, sl.serviceID)
		}

		wait := time.Hour
		if len(s.heap) > 0 {
			wait = time.Until(s.heap[0].next)
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		for _, id := range due {
			select {
			case s.work <- id:
			case <-ctx.Done():
				s.clearInflight(id)
				return
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// worker runs polls handed over by the loop.
func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for id := range s.work {
		s.runPoll(ctx, id)
	}
}

// runPoll executes one poll and reschedules the slot based on the
// outcome.
func (s *Scheduler) runPoll(ctx context.Context, serviceID string) {
	err := s.runner.RunOnce(ctx, serviceID)

	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[serviceID]
	if !ok {
		return
	}
	sl.inflight = false
	if err != nil {
		sl.failures++
	} else {
		sl.failures = 0
	}
	sl.next = s.now().Add(s.effectiveInterval(sl))
	heap.Fix(&s.heap, sl.index)
	s.pokeLocked()
}

// effectiveInterval applies the failure backoff: after three
// consecutive failures the interval doubles per extra failure, capped
// at ten times the base.
func (s *Scheduler) effectiveInterval(sl *slot) time.Duration {
	if sl.failures < failureBackoffAfter {
		return sl.interval
	}
	factor := 1 << (sl.failures - failureBackoffAfter + 1)
	if factor > maxBackoffFactor {
		factor = maxBackoffFactor
	}
	return sl.interval * time.Duration(factor)
}

// RunNow schedules an immediate poll for one service, bypassing the
// timer but not the single-inflight invariant.
func (s *Scheduler) RunNow(serviceID string) bool {
	s.mu.Lock()
	sl, ok := s.slots[serviceID]
	if !ok || sl.inflight {
		s.mu.Unlock()
		return false
	}
	sl.next = s.now()
	heap.Fix(&s.heap, sl.index)
	s.mu.Unlock()
	s.poke()
	return true
}

// OnServiceCreated registers a slot for a newly created active
// service.
func (s *Scheduler) OnServiceCreated(ctx context.Context, svc *store.Service) {
	if !svc.IsActive {
		return
	}
	interval := s.runner.Interval(ctx, svc)
	s.mu.Lock()
	if _, exists := s.slots[svc.ID]; !exists {
		s.addSlotLocked(svc.ID, interval, s.now())
	}
	s.mu.Unlock()
	s.poke()
}

// OnServiceUpdated refreshes a slot after an admin edit. Interval
// changes take effect from now; activation state is honored.
func (s *Scheduler) OnServiceUpdated(ctx context.Context, svc *store.Service) {
	if !svc.IsActive {
		s.OnServiceDeleted(svc.ID)
		return
	}
	interval := s.runner.Interval(ctx, svc)
	s.mu.Lock()
	sl, ok := s.slots[svc.ID]
	if !ok {
		s.addSlotLocked(svc.ID, interval, s.now())
	} else if sl.interval != interval {
		sl.interval = interval
		sl.next = s.now().Add(interval)
		heap.Fix(&s.heap, sl.index)
	}
	s.mu.Unlock()
	s.poke()
}

// OnServiceActivated registers a slot for a service flipped active.
// A slot that already exists is left alone.
func (s *Scheduler) OnServiceActivated(ctx context.Context, svc *store.Service) {
	s.OnServiceCreated(ctx, svc)
}

// OnServiceDeactivated drops the slot. The next activation polls
// immediately rather than resuming the old schedule.
func (s *Scheduler) OnServiceDeactivated(serviceID string) {
	s.OnServiceDeleted(serviceID)
}

// OnServiceDeleted drops a slot. An inflight poll for the service
// finishes but is not rescheduled.
func (s *Scheduler) OnServiceDeleted(serviceID string) {
	s.mu.Lock()
	if sl, ok := s.slots[serviceID]; ok {
		heap.Remove(&s.heap, sl.index)
		delete(s.slots, serviceID)
	}
	s.mu.Unlock()
}

// Snapshot returns the current slot states, for the status endpoint.
func (s *Scheduler) Snapshot() []SlotInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SlotInfo, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, SlotInfo{
			ServiceID: sl.serviceID,
			NextPoll:  sl.next,
			Interval:  sl.interval,
			Failures:  sl.failures,
			Inflight:  sl.inflight,
		})
	}
	return out
}

func (s *Scheduler) addSlotLocked(serviceID string, interval time.Duration, next time.Time) {
	sl := &slot{serviceID: serviceID, interval: interval, next: next}
	heap.Push(&s.heap, sl)
	s.slots[serviceID] = sl
}

func (s *Scheduler) clearInflight(serviceID string) {
	s.mu.Lock()
	if sl, ok := s.slots[serviceID]; ok {
		sl.inflight = false
	}
	s.mu.Unlock()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) pokeLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
