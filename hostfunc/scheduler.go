package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// DefaultMaxTasks bounds the pending tasks of one unit.
	DefaultMaxTasks = 64
	// MinPeriod is the shortest interval scheduler.every accepts.
	MinPeriod = 10 * time.Millisecond
	// MaxDelay is the longest delay or period accepted.
	MaxDelay = 30 * 24 * time.Hour
)

var (
	ErrTooManyTasks    = errors.New("too many scheduled tasks")
	ErrSchedulerClosed = errors.New("scheduler closed")
)

// Fire runs one deferred invocation for the unit that owns a Scheduler.
type Fire func(ctx context.Context, args map[string]any)

// Scheduler holds the deferred invocations one unit asked for. Closing it
// cancels every pending task; a task that is already firing sees its
// context cancelled.
type Scheduler struct {
	fire   Fire
	limit  int
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	seq    int64
	tasks  map[int64]*task
	closed bool
}

type task struct {
	id      int64
	period  time.Duration
	payload any
	timer   *time.Timer
}

// NewScheduler returns a scheduler that fires through fire. A limit of
// zero or less uses DefaultMaxTasks.
func NewScheduler(fire Fire, limit int) *Scheduler {
	if limit <= 0 {
		limit = DefaultMaxTasks
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		fire:   fire,
		limit:  limit,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[int64]*task),
	}
}

// After fires payload once after delay.
func (s *Scheduler) After(delay time.Duration, payload any) (int64, error) {
	return s.schedule(delay, 0, payload)
}

// Every fires payload each period until cancelled. The next period starts
// once the previous invocation has finished, so firings never overlap.
func (s *Scheduler) Every(period time.Duration, payload any) (int64, error) {
	if period < MinPeriod {
		return 0, fmt.Errorf("%w: period must be at least %v", ErrBadArgument, MinPeriod)
	}
	return s.schedule(period, period, payload)
}

func (s *Scheduler) schedule(delay, period time.Duration, payload any) (int64, error) {
	if delay < 0 || delay > MaxDelay {
		return 0, fmt.Errorf("%w: delay must be between 0 and %v", ErrBadArgument, MaxDelay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSchedulerClosed
	}
	if len(s.tasks) >= s.limit {
		return 0, fmt.Errorf("%w (limit %d)", ErrTooManyTasks, s.limit)
	}
	s.seq++
	t := &task{id: s.seq, period: period, payload: payload}
	// run takes mu, so it cannot observe t before it is stored.
	t.timer = time.AfterFunc(delay, func() { s.run(t) })
	s.tasks[t.id] = t
	return t.id, nil
}

func (s *Scheduler) run(t *task) {
	s.mu.Lock()
	if s.closed || s.tasks[t.id] != t {
		s.mu.Unlock()
		return
	}
	if t.period == 0 {
		delete(s.tasks, t.id)
	}
	s.mu.Unlock()

	s.fire(s.ctx, map[string]any{"type": "schedule", "task": t.id, "payload": t.payload})

	if t.period == 0 {
		return
	}
	s.mu.Lock()
	if !s.closed && s.tasks[t.id] == t {
		t.timer.Reset(t.period)
	}
	s.mu.Unlock()
}

// Cancel stops a pending task. It reports whether the task existed.
func (s *Scheduler) Cancel(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, id)
	return true
}

// Pending reports the tasks that will still fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every task. It does not wait for a firing task, which may
// be the very invocation whose unit is being disposed.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	s.cancel()
	return nil
}

// RegisterScheduler binds the scheduler namespace to s.
func RegisterScheduler(r *Registry, s *Scheduler) {
	r.Register("scheduler.after", func(ctx context.Context, args []any) (any, error) {
		delay, err := argMillis(args, 0, "delay")
		if err != nil {
			return nil, err
		}
		return s.After(delay, argOptional(args, 1))
	})
	r.Register("scheduler.every", func(ctx context.Context, args []any) (any, error) {
		period, err := argMillis(args, 0, "period")
		if err != nil {
			return nil, err
		}
		return s.Every(period, argOptional(args, 1))
	})
	r.Register("scheduler.cancel", func(ctx context.Context, args []any) (any, error) {
		id, err := argNumber(args, 0, "task")
		if err != nil {
			return nil, err
		}
		return s.Cancel(int64(id)), nil
	})
	r.Register("scheduler.pending", func(ctx context.Context, args []any) (any, error) {
		return s.Pending(), nil
	})
}

func argNumber(args []any, i int, name string) (float64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("%w: %s required", ErrBadArgument, name)
	}
	var n float64
	switch v := args[i].(type) {
	case int:
		n = float64(v)
	case int32:
		n = float64(v)
	case int64:
		n = float64(v)
	case float64:
		n = v
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %T", ErrBadArgument, name, args[i])
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("%w: %s must be finite", ErrBadArgument, name)
	}
	return n, nil
}

func argMillis(args []any, i int, name string) (time.Duration, error) {
	n, err := argNumber(args, i, name)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > float64(MaxDelay/time.Millisecond) {
		return 0, fmt.Errorf("%w: %s must be between 0 and %d milliseconds", ErrBadArgument, name, MaxDelay/time.Millisecond)
	}
	return time.Duration(n * float64(time.Millisecond)), nil
}
