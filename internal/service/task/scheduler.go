// Package task runs deferred background work off the request path.
package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names a category of background work.
type Kind string

const (
	KindCleanupArtifact Kind = "cleanupArtifact"
	KindLogAnalytics    Kind = "logAnalytics"
	KindLogConversation Kind = "logConversation"
)

var (
	// ErrStopped resolves tickets for tasks that never ran because the
	// scheduler shut down first.
	ErrStopped   = errors.New("scheduler stopped")
	ErrNoHandler = errors.New("no handler registered for task kind")
)

const (
	defaultWorkers     = 4
	defaultTaskTimeout = 30 * time.Second
)

// Task is a unit of deferred work. It does not run before NotBefore.
type Task struct {
	ID        string
	Kind      Kind
	Payload   any
	NotBefore time.Time
}

// Handler executes tasks of one kind.
type Handler func(ctx context.Context, t Task) error

// Ticket reports when a scheduled task finished and how.
type Ticket struct {
	TaskID string
	done   chan struct{}
	once   sync.Once
	err    error
}

func newTicket(id string) *Ticket {
	return &Ticket{TaskID: id, done: make(chan struct{})}
}

func (t *Ticket) resolve(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done is closed once the task has run or was dropped.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the task outcome. It is only meaningful after Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finished or ctx ends.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Options configures a Scheduler.
type Options struct {
	Workers     int
	TaskTimeout time.Duration
}

// Scheduler is an in-memory delay queue drained by a fixed worker pool.
// Pending tasks are lost when the process exits.
type Scheduler struct {
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	pending  delayQueue
	seq      uint64
	handlers map[Kind]Handler
	started  bool
	stopped  bool

	wake   chan struct{}
	ready  chan *item
	quit   chan struct{}
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler; call Start to begin processing.
func NewScheduler(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:     opts,
		now:      time.Now,
		handlers: make(map[Kind]Handler),
		wake:     make(chan struct{}, 1),
		ready:    make(chan *item),
		quit:     make(chan struct{}),
		base:     base,
		cancel:   cancel,
	}
}

// Handle registers the handler for kind, replacing any previous one.
func (s *Scheduler) Handle(kind Kind, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

// Start launches the dispatcher and workers. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	s.wg.Add(1 + s.opts.Workers)
	go s.dispatch()
	for i := 1; i <= s.opts.Workers; i++ {
		go s.worker(i)
	}
	log.Printf("[task] scheduler started with %d workers", s.opts.Workers)
}

// Schedule enqueues t and returns immediately.
func (s *Scheduler) Schedule(t Task) *Ticket {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	ticket := newTicket(t.ID)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ticket.resolve(ErrStopped)
		return ticket
	}
	s.seq++
	s.pending.push(&item{task: t, ticket: ticket, seq: s.seq})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return ticket
}

// Pending reports how many tasks are waiting for their NotBefore time.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Stop halts the scheduler. Running tasks are given until ctx ends to
// finish; tasks that have not started resolve with ErrStopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.quit)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		err = ctx.Err()
	}
	s.cancel()

	s.mu.Lock()
	dropped := s.pending.Len()
	for s.pending.Len() > 0 {
		s.pending.pop().ticket.resolve(ErrStopped)
	}
	s.mu.Unlock()

	if dropped > 0 {
		log.Printf("[task] scheduler stopped, %d pending tasks dropped", dropped)
	}
	return err
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		next := s.pending.peek()
		var wait time.Duration
		var due *item
		if next != nil {
			wait = next.task.NotBefore.Sub(s.now())
			if wait <= 0 {
				due = s.pending.pop()
			}
		}
		s.mu.Unlock()

		if due != nil {
			select {
			case s.ready <- due:
			case <-s.quit:
				due.ticket.resolve(ErrStopped)
				return
			}
			continue
		}

		if next == nil {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-s.wake:
		case <-s.quit:
			return
		}
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case it := <-s.ready:
			it.ticket.resolve(s.run(it.task))
		case <-s.quit:
			return
		}
	}
}

func (s *Scheduler) run(t Task) (err error) {
	s.mu.Lock()
	h, ok := s.handlers[t.Kind]
	s.mu.Unlock()
	if !ok {
		log.Printf("[task] %s %s: %v", t.Kind, t.ID, ErrNoHandler)
		return fmt.Errorf("%w: %s", ErrNoHandler, t.Kind)
	}

	ctx, cancel := context.WithTimeout(s.base, s.opts.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[task] %s %s panicked: %v\n%s", t.Kind, t.ID, r, debug.Stack())
			err = fmt.Errorf("task %s panicked: %v", t.ID, r)
		}
	}()

	if err = h(ctx, t); err != nil {
		log.Printf("[task] %s %s failed: %v", t.Kind, t.ID, err)
	}
	return err
}
