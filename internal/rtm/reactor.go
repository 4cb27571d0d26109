package rtm

import "sync"

// Reactor is a single-goroutine task loop. The goroutine running Run owns
// all client state; every other goroutine hands work over with Post. This is
// the only concurrency discipline the client relies on.
type Reactor struct {
	tasks chan func()
	quit  chan struct{}

	mu     sync.Mutex
	once   sync.Once
	failed error
}

// NewReactor creates a reactor. Run must be called before posted tasks
// execute.
func NewReactor() *Reactor {
	return &Reactor{
		tasks: make(chan func(), 1024),
		quit:  make(chan struct{}),
	}
}

// Post queues fn for execution on the reactor goroutine. Safe to call from
// any goroutine. Tasks posted after the reactor stopped are discarded.
func (r *Reactor) Post(fn func()) {
	select {
	case <-r.quit:
		return
	default:
	}
	select {
	case <-r.quit:
	case r.tasks <- fn:
	}
}

// Run executes posted tasks until Stop or Fail is called. It returns the
// error passed to Fail, or nil after a plain Stop.
func (r *Reactor) Run() error {
	for {
		select {
		case fn := <-r.tasks:
			fn()
		case <-r.quit:
			r.mu.Lock()
			err := r.failed
			r.mu.Unlock()
			return err
		}
	}
}

// Stop ends the loop without an error.
func (r *Reactor) Stop() {
	r.once.Do(func() { close(r.quit) })
}

// Fail records err and ends the loop. Only the first failure wins.
func (r *Reactor) Fail(err error) {
	r.mu.Lock()
	if r.failed == nil {
		r.failed = err
	}
	r.mu.Unlock()
	r.Stop()
}
