package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrDispatcherBusy is returned when the relay queue is full.
var ErrDispatcherBusy = errors.New("relay queue full")

// Job is one unit of relay work bound to a session.
type Job struct {
	SessionID int64
	run       func()
	done      chan struct{}
	stop      bool
}

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type sessionQueue struct {
	jobs     []Job
	enqueued bool // session sits in the ready list
	running  bool // a job of this session is executing
}

// Dispatcher serializes jobs per session: messages appended for one session
// always reflect a single linear history, while different sessions run
// concurrently on a bounded elastic worker pool. Ready sessions are served
// round-robin so one busy session cannot starve the rest.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
	wake     chan struct{}

	mu        sync.Mutex
	queues    map[int64]*sessionQueue
	ready     *list.List
	positions map[int64]*list.Element
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout),
		jobQueue:  make(chan Job, cfg.QueueSize),
		wake:      make(chan struct{}, 1),
		queues:    make(map[int64]*sessionQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit enqueues fn for its session and blocks until it has run. Jobs of
// one session execute strictly in submission order, one at a time.
func (d *Dispatcher) Submit(sessionID int64, fn func()) error {
	job := Job{SessionID: sessionID, run: fn, done: make(chan struct{})}
	select {
	case d.jobQueue <- job:
	default:
		return ErrDispatcherBusy
	}
	<-job.done
	return nil
}

func (d *Dispatcher) run() {
	for {
		if d.dispatchOne() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			default:
			}
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.SessionID]
	if q == nil {
		q = &sessionQueue{}
		d.queues[job.SessionID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.running || q.enqueued {
		// next job waits until the current one finishes
		return
	}
	q.enqueued = true
	d.positions[job.SessionID] = d.ready.PushBack(job.SessionID)
}

// dispatchOne hands the front ready session's next job to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	sessionID := elem.Value.(int64)
	q := d.queues[sessionID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.running = true
	q.enqueued = false
	d.ready.Remove(elem)
	delete(d.positions, sessionID)
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	fn := job.run
	job.run = func() {
		fn()
		d.jobDone(sessionID)
	}
	workerChan <- job
	return true
}

// jobDone re-queues the session if more jobs arrived while it was running.
func (d *Dispatcher) jobDone(sessionID int64) {
	d.mu.Lock()
	if q := d.queues[sessionID]; q != nil {
		q.running = false
		if len(q.jobs) > 0 {
			if !q.enqueued {
				q.enqueued = true
				d.positions[sessionID] = d.ready.PushBack(sessionID)
			}
		} else {
			delete(d.queues, sessionID)
		}
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}
