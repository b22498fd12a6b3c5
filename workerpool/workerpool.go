// Package workerpool runs tasks on a fixed number of goroutines pulling from one bounded queue.
// A task moves through QUEUED, PROCESSING and then DONE or ERROR. Tasks with the same key
// are not queued twice while one of them is in flight, and a key stays in flight until its
// callback returns, even after a timeout.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/z"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Task status
const (
	StatusQueued     = "QUEUED"
	StatusProcessing = "PROCESSING"
	StatusDone       = "DONE"
	StatusError      = "ERROR"
)

var (
	// ErrBusy is returned when the queue is full.
	ErrBusy = errors.New("worker pool is busy")
	// ErrTaskNotFound is returned for unknown or evicted tokens.
	ErrTaskNotFound = errors.New("task not found")
)

// JobCB is the work of one task. ctx is cancelled on timeout or shutdown.
type JobCB func(ctx context.Context) error

// TaskStatus is a snapshot of a task.
type TaskStatus struct {
	Token    string
	Key      string
	Status   string
	Error    string
	Created  time.Time
	Finished time.Time
}

// IsTerminal reports whether the task is DONE or ERROR.
func (s *TaskStatus) IsTerminal() bool {
	return s.Status == StatusDone || s.Status == StatusError
}

// Stats are the pool counters published as metrics.
type Stats struct {
	Name      string
	Queued    int
	Submitted int64
	Done      int64
	Failed    int64
	Busy      int64
}

// Options configures a pool.
type Options struct {
	QueueSize int
	// Timeout bounds one task. Zero means no timeout.
	Timeout time.Duration
	// StatusTTL is how long terminal tasks stay queryable.
	StatusTTL time.Duration
}

type task struct {
	status   TaskStatus
	callback JobCB
	aborted  error

	// next runs once this task's callback returns.
	next *task
}

// WorkPool is a bounded task pool.
type WorkPool struct {
	name    string
	jobs    chan *task
	opts    Options
	closer  *z.Closer
	lock    sync.Mutex
	tasks   map[string]*task
	running map[string]*task
	stats   Stats
}

// CreateWorkerPool starts n workers and the status eviction loop.
func CreateWorkerPool(name string, n int, opts Options) *WorkPool {
	if n <= 0 {
		n = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = 30 * time.Minute
	}
	pool := new(WorkPool)
	pool.name = name
	pool.opts = opts
	pool.jobs = make(chan *task, opts.QueueSize)
	pool.tasks = make(map[string]*task)
	pool.running = make(map[string]*task)
	pool.stats.Name = name
	pool.closer = z.NewCloser(n + 1)
	for i := 0; i < n; i++ {
		go pool.run()
	}
	go pool.evictLoop()
	return pool
}

// Name returns the pool name.
func (pool *WorkPool) Name() string {
	return pool.name
}

// AddTask queues a task and returns its token. If a task with the same
// non-empty key is queued or processing, its token is returned instead.
func (pool *WorkPool) AddTask(key string, callback JobCB) (string, error) {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	if key != "" {
		if t, ok := pool.running[key]; ok {
			return t.status.Token, nil
		}
	}
	return pool.queue(key, callback)
}

// AddLatestTask is AddTask for work where only the newest submission for a key
// matters. A queued task with the key runs callback instead of its own. If the
// task is processing, callback runs after it returns, in one follow up task
// shared by all submissions made meanwhile.
func (pool *WorkPool) AddLatestTask(key string, callback JobCB) (string, error) {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	t, ok := pool.running[key]
	if key == "" || !ok {
		return pool.queue(key, callback)
	}
	if t.status.Status == StatusQueued {
		t.callback = callback
		return t.status.Token, nil
	}
	if t.next != nil {
		t.next.callback = callback
		return t.next.status.Token, nil
	}
	t.next = newTask(key, callback)
	pool.tasks[t.next.status.Token] = t.next
	pool.stats.Submitted++
	return t.next.status.Token, nil
}

func newTask(key string, callback JobCB) *task {
	t := new(task)
	t.callback = callback
	t.status.Token = uuid.New().String()
	t.status.Key = key
	t.status.Status = StatusQueued
	t.status.Created = time.Now()
	return t
}

// queue must be called with the lock held.
func (pool *WorkPool) queue(key string, callback JobCB) (string, error) {
	t := newTask(key, callback)
	select {
	case pool.jobs <- t:
	default:
		pool.stats.Busy++
		return "", ErrBusy
	}

	pool.tasks[t.status.Token] = t
	if key != "" {
		pool.running[key] = t
	}
	pool.stats.Submitted++
	return t.status.Token, nil
}

// requeue queues a follow up task, waiting for room in the queue.
func (pool *WorkPool) requeue(t *task) {
	select {
	case pool.jobs <- t:
	case <-pool.closer.HasBeenClosed():
	}
}

// QueryTask returns the status of a task.
func (pool *WorkPool) QueryTask(token string) (*TaskStatus, error) {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	t, ok := pool.tasks[token]
	if !ok {
		return nil, ErrTaskNotFound
	}
	status := t.status
	return &status, nil
}

// Stats returns the pool counters.
func (pool *WorkPool) Stats() Stats {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	stats := pool.stats
	stats.Queued = len(pool.jobs)
	return stats
}

func (pool *WorkPool) run() {
	defer pool.closer.Done()

	for {
		select {
		case t := <-pool.jobs:
			pool.execute(t, pool.setProcessing(t))
		case <-pool.closer.HasBeenClosed():
			return
		}
	}
}

// execute runs the task on its own goroutine so that a task ignoring its
// context can't hold the worker past the timeout. The task stays PROCESSING,
// and its key stays taken, until the callback has returned.
func (pool *WorkPool) execute(t *task, callback JobCB) {
	ctx := pool.closer.Ctx()
	var cancel context.CancelFunc
	if pool.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, pool.opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	done := make(chan struct{})
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("panic: %v\n%s", r, debug.Stack())
				err = fmt.Errorf("panic: %v", r)
			}
			pool.finish(t, err)
			close(done)
			cancel()
		}()
		err = callback(ctx)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		pool.abort(t, ctx.Err())
	}
}

// setProcessing returns the callback to run. It can't be replaced after this.
func (pool *WorkPool) setProcessing(t *task) JobCB {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	t.status.Status = StatusProcessing
	return t.callback
}

// abort records why a task was given up on. The worker moves on, but the
// task only becomes terminal in finish.
func (pool *WorkPool) abort(t *task, err error) {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	if t.status.IsTerminal() {
		return
	}
	t.aborted = fmt.Errorf("task aborted: %w", err)
	t.status.Error = t.aborted.Error()
	log.Warnf("%s task %s (%s) aborted, waiting for it to return: %v", pool.name, t.status.Token, t.status.Key, err)
}

func (pool *WorkPool) finish(t *task, err error) {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	if t.aborted != nil && err == nil {
		err = t.aborted
	}
	t.status.Finished = time.Now()
	if err != nil {
		log.Warnf("%s task %s (%s) failed: %v", pool.name, t.status.Token, t.status.Key, err)
		t.status.Status = StatusError
		t.status.Error = err.Error()
		pool.stats.Failed++
	} else {
		t.status.Status = StatusDone
		pool.stats.Done++
	}
	if t.status.Key == "" || pool.running[t.status.Key] != t {
		return
	}
	if next := t.next; next != nil {
		t.next = nil
		pool.running[t.status.Key] = next
		go pool.requeue(next)
		return
	}
	delete(pool.running, t.status.Key)
}

func (pool *WorkPool) evictLoop() {
	defer pool.closer.Done()

	interval := pool.opts.StatusTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-pool.closer.HasBeenClosed():
			return
		case now := <-ticker.C:
			pool.evictExpired(now)
		}
	}
}

func (pool *WorkPool) evictExpired(now time.Time) {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	for token, t := range pool.tasks {
		if t.status.IsTerminal() && now.Sub(t.status.Finished) > pool.opts.StatusTTL {
			delete(pool.tasks, token)
		}
	}
}

// Shutdown stops the workers. Running tasks see their context cancelled.
// Callbacks that ignore it are not waited for.
func (pool *WorkPool) Shutdown() {
	pool.closer.SignalAndWait()
}
