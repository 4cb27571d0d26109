package rtm

import (
	"log/slog"
	"time"

	"github.com/sandipnd/satori-video-bot/internal/util"
)

const (
	restartInitialDelay = 1 * time.Second
	restartMaxDelay     = 60 * time.Second
)

// Factory builds a fresh underlying client wired to the given error
// callbacks.
type Factory func(errs ErrorCallbacks) Client

// ConnectionEvents observes resilient-client connection health. Both
// callbacks run on the reactor goroutine and must not block.
type ConnectionEvents interface {
	ConnectionLost(kind ErrorKind)
	ConnectionRestored()
}

type declaredSubscription struct {
	channel   string
	sub       SubscriptionID
	data      SubscriptionCallbacks
	callbacks RequestCallbacks
	opts      *SubscriptionOptions
}

// Resilient wraps a Client and rebuilds it after transport failures,
// replaying every declared subscription on the new connection. Like the
// client it wraps, all methods must run on the reactor goroutine.
type Resilient struct {
	reactor *Reactor
	factory Factory
	events  ConnectionEvents // may be nil

	client  Client
	started bool
	running bool
	subs    []declaredSubscription
	backoff *util.Backoff
}

// NewResilient creates the wrapper. events may be nil.
func NewResilient(reactor *Reactor, factory Factory, events ConnectionEvents) *Resilient {
	return &Resilient{
		reactor: reactor,
		factory: factory,
		events:  events,
		backoff: util.NewBackoff(restartInitialDelay, restartMaxDelay),
	}
}

func (r *Resilient) Start() error {
	if r.client == nil {
		slog.Debug("creating new client")
		r.client = r.factory(r)
	}
	r.started = true
	if err := r.client.Start(); err != nil {
		return err
	}
	r.running = true
	return nil
}

func (r *Resilient) Stop() error {
	r.started = false
	r.running = false
	return r.client.Stop()
}

// Shutdown stops the inner client when it is connected and marks the wrapper
// stopped. Unlike Stop it is safe while the connection is mid-restart, which
// is what process shutdown needs.
func (r *Resilient) Shutdown() {
	r.started = false
	if r.running {
		r.running = false
		if err := r.client.Stop(); err != nil {
			slog.Error("error stopping client on shutdown", "error", err)
		}
	}
}

func (r *Resilient) Publish(channel string, message any, callbacks RequestCallbacks) {
	r.client.Publish(channel, message, callbacks)
}

func (r *Resilient) Subscribe(channel string, sub SubscriptionID, data SubscriptionCallbacks, callbacks RequestCallbacks, opts *SubscriptionOptions) {
	r.subs = append(r.subs, declaredSubscription{
		channel:   channel,
		sub:       sub,
		data:      data,
		callbacks: callbacks,
		opts:      opts,
	})
	r.client.Subscribe(channel, sub, data, callbacks, opts)
}

func (r *Resilient) Unsubscribe(sub SubscriptionID, callbacks RequestCallbacks) {
	r.client.Unsubscribe(sub, callbacks)
	for i, declared := range r.subs {
		if declared.sub == sub {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			break
		}
	}
}

// OnClientError implements ErrorCallbacks for the wrapped client. The
// errored client tore itself down (socket, ping timer, subscriptions)
// before surfacing the error, so the replacement can be built right away
// without stopping anything.
func (r *Resilient) OnClientError(kind ErrorKind) {
	slog.Info("restarting rtm client because of error", "error", kind)
	r.running = false
	if r.events != nil {
		r.events.ConnectionLost(kind)
	}
	r.restart()
}

// restart replaces the inner client and, when the wrapper is started,
// brings it up and replays the declared subscriptions. A failed start is
// retried with exponential backoff; the wrapper never gives up on its own.
func (r *Resilient) restart() {
	slog.Debug("creating new client")
	r.client = r.factory(r)
	if !r.started {
		return
	}

	slog.Debug("starting new client")
	if err := r.client.Start(); err != nil {
		delay := r.backoff.Next()
		slog.Error("cannot restart client", "error", err, "retry_in", delay)
		time.AfterFunc(delay, func() {
			r.reactor.Post(r.restart)
		})
		return
	}
	r.backoff.Reset()
	r.running = true

	slog.Debug("restoring subscriptions", "count", len(r.subs))
	for _, declared := range r.subs {
		r.client.Subscribe(declared.channel, declared.sub, declared.data, declared.callbacks, declared.opts)
	}

	if r.events != nil {
		r.events.ConnectionRestored()
	}
	slog.Debug("client restart done")
}
